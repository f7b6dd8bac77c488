package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placescout/backend/internal/domain"
	"github.com/placescout/backend/internal/sink"
)

func newTestMaintainer(t *testing.T, expirers map[string]Expirer) (*Maintainer, *Registry, *sink.FileStore, time.Time) {
	t.Helper()
	files, err := sink.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := NewRegistry()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	m := NewMaintainer(r, files, expirers, MaintenanceConfig{
		Interval:        time.Minute,
		Retention:       2 * time.Hour,
		MemoryThreshold: 85,
	}, zap.NewNop())
	m.now = func() time.Time { return now }
	m.memoryUsage = func() (float64, error) { return 10, nil }
	m.reclaim = func() {}
	return m, r, files, now
}

func addFinishedTask(t *testing.T, r *Registry, files *sink.FileStore, id string, created time.Time) string {
	t.Helper()
	path, err := files.Write(id, []domain.Listing{{Name: id}})
	require.NoError(t, err)
	task := makeTask(id)
	task.CreatedAt = created
	require.NoError(t, r.AddIfBelow(task, 100))
	require.True(t, r.SetRunning(id))
	require.True(t, r.SetCompleted(id, domain.Outcome{OutputFile: path}))
	return path
}

func TestSweepExpiresOldTasksAndFiles(t *testing.T) {
	m, r, files, now := newTestMaintainer(t, nil)
	oldPath := addFinishedTask(t, r, files, "old", now.Add(-3*time.Hour))
	freshPath := addFinishedTask(t, r, files, "fresh", now.Add(-30*time.Minute))

	report := m.Sweep()

	assert.Equal(t, 1, report.ExpiredTasks)
	assert.Empty(t, report.Errors)
	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, freshPath)
	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}

func TestSweepRunsExpirers(t *testing.T) {
	m, _, _, _ := newTestMaintainer(t, map[string]Expirer{
		"cache": func() int { return 3 },
		"dedup": func() int { return 1 },
	})

	report := m.Sweep()
	assert.Equal(t, map[string]int{"cache": 3, "dedup": 1}, report.Purged)
}

func TestSweepIsolatesFailingSteps(t *testing.T) {
	dedupRan := false
	m, r, files, now := newTestMaintainer(t, map[string]Expirer{
		"cache": func() int { panic("corrupted entry") },
		"dedup": func() int { dedupRan = true; return 2 },
	})
	m.memoryUsage = func() (float64, error) { return 0, errors.New("proc not mounted") }
	oldPath := addFinishedTask(t, r, files, "old", now.Add(-3*time.Hour))

	report := m.Sweep()

	assert.True(t, dedupRan)
	assert.Equal(t, 2, report.Purged["dedup"])
	assert.Equal(t, 1, report.ExpiredTasks)
	assert.NoFileExists(t, oldPath)
	require.Len(t, report.Errors, 2)
	var msgs []string
	for _, err := range report.Errors {
		msgs = append(msgs, err.Error())
	}
	assert.Contains(t, msgs, "cache: panic: corrupted entry")
	assert.Contains(t, msgs, "memory: read memory usage: proc not mounted")
}

func TestSweepReclaimsAboveThreshold(t *testing.T) {
	m, _, _, _ := newTestMaintainer(t, nil)
	reclaimed := 0
	m.reclaim = func() { reclaimed++ }

	m.memoryUsage = func() (float64, error) { return 50, nil }
	report := m.Sweep()
	assert.False(t, report.Reclaimed)
	assert.Equal(t, 0, reclaimed)

	m.memoryUsage = func() (float64, error) { return 91.5, nil }
	report = m.Sweep()
	assert.True(t, report.Reclaimed)
	assert.Equal(t, 91.5, report.MemoryUsage)
	assert.Equal(t, 1, reclaimed)
}
