package task

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/placescout/backend/internal/domain"
	"github.com/placescout/backend/internal/pool"
)

var (
	// ErrCapacity rejects a submission when the active task ceiling is reached.
	ErrCapacity = errors.New("too many active searches, try again later")
	// ErrPoolExhausted fails a task when no browser session frees up in time.
	ErrPoolExhausted = pool.ErrExhausted
	// ErrNoResults fails a task whose search found no places.
	ErrNoResults = errors.New("no results found")
	// ErrNotFound is returned for unknown or expired task ids.
	ErrNotFound = errors.New("task not found")
	// ErrNoResultFile is returned when a task has no downloadable result yet.
	ErrNoResultFile = errors.New("no result file for task")
	// ErrStopped rejects submissions after shutdown has begun.
	ErrStopped = errors.New("task service is shutting down")
)

// Field names reported by ValidationError
const (
	FieldQuery       = "query"
	FieldCount       = "count"
	FieldCoordinates = "coordinates"
)

// MaxCount is the largest number of results one search may request.
const MaxCount = 100

// ValidationError rejects a submission before a task is created
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// failure carries an error message plus the input field it concerns, if any.
type failure struct {
	field string
	err   error
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

// Validate checks a search request and normalizes its query whitespace.
func Validate(req *domain.SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return &ValidationError{Field: FieldQuery, Message: "search query is required"}
	}
	if req.Count < 1 || req.Count > MaxCount {
		return &ValidationError{Field: FieldCount, Message: fmt.Sprintf("count must be between 1 and %d", MaxCount)}
	}
	if c := req.Coordinates; c != nil {
		// written as in-range checks so NaN fails them
		if !(c.Lat >= -90 && c.Lat <= 90) || !(c.Lng >= -180 && c.Lng <= 180) {
			return &ValidationError{Field: FieldCoordinates, Message: "latitude must be within ±90 and longitude within ±180"}
		}
	}
	return nil
}

// ParseCoordinates turns optional form values into coordinates. Both or
// neither must be given.
func ParseCoordinates(lat, lng string) (*domain.Coordinates, error) {
	lat, lng = strings.TrimSpace(lat), strings.TrimSpace(lng)
	if lat == "" && lng == "" {
		return nil, nil
	}
	if lat == "" || lng == "" {
		return nil, &ValidationError{Field: FieldCoordinates, Message: "both lat and lng are required"}
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, &ValidationError{Field: FieldCoordinates, Message: "lat is not a number"}
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return nil, &ValidationError{Field: FieldCoordinates, Message: "lng is not a number"}
	}
	if math.IsNaN(la) || math.IsInf(la, 0) || math.IsNaN(ln) || math.IsInf(ln, 0) {
		return nil, &ValidationError{Field: FieldCoordinates, Message: "lat and lng must be finite numbers"}
	}
	return &domain.Coordinates{Lat: la, Lng: ln}, nil
}
