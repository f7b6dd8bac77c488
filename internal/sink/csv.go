package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/placescout/backend/internal/domain"
)

// ErrInvalidName is returned for task ids that are not safe file names.
var ErrInvalidName = errors.New("invalid result file name")

var safeName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FileStore writes one CSV result file per task into a directory
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns where the result file of taskID lives.
func (s *FileStore) Path(taskID string) (string, error) {
	if !safeName.MatchString(taskID) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, taskID+".csv"), nil
}

// Write stores listings as taskID's result file and returns its path. The
// file is written to a temp name and renamed so readers never see a partial
// file.
func (s *FileStore) Write(taskID string, listings []domain.Listing) (string, error) {
	path, err := s.Path(taskID)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, taskID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create result file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(domain.ListingColumns); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write header: %w", err)
	}
	for _, l := range listings {
		if err := w.Write(l.Fields()); err != nil {
			tmp.Close()
			return "", fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("flush result file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close result file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish result file: %w", err)
	}
	return path, nil
}

// Remove deletes a result file. A missing file is not an error.
func (s *FileStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
