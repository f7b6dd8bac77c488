package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/placescout/backend/internal/domain"
)

func batch(names ...string) []domain.Listing {
	out := make([]domain.Listing, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Listing{Name: n})
	}
	return out
}

func names(ls []domain.Listing) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Name)
	}
	return out
}

func TestSecondSearchKeepsOnlyNewNames(t *testing.T) {
	x := New(time.Hour)

	first := x.Filter("user-1", "coffee shop|-", batch("a", "b", "c", "d", "e"))
	require.Len(t, first, 5)

	second := batch("a", "c", "e", "f", "g")
	filtered := x.Filter("user-1", "coffee shop|-", second)

	assert.Equal(t, []string{"f", "g"}, names(filtered))
	assert.Equal(t, 3, len(second)-len(filtered))
	assert.Equal(t, 7, x.recorded("user-1", "coffee shop|-"))
}

func TestCallerSessionsAreIsolated(t *testing.T) {
	x := New(time.Hour)
	x.Filter("user-1", "q", batch("a", "b"))

	got := x.Filter("user-2", "q", batch("a", "b"))
	assert.Equal(t, []string{"a", "b"}, names(got))
}

func TestQueriesAreIsolated(t *testing.T) {
	x := New(time.Hour)
	x.Filter("user-1", "coffee", batch("a"))

	got := x.Filter("user-1", "tea", batch("a"))
	assert.Len(t, got, 1)
}

func TestDuplicateInsideBatchKeptOnce(t *testing.T) {
	x := New(time.Hour)
	got := x.Filter("u", "q", batch("a", "a", "b"))
	assert.Equal(t, []string{"a", "b"}, names(got))
}

func TestCleanupExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	x := New(time.Hour)
	x.now = func() time.Time { return now }

	x.Filter("old", "q", batch("a"))
	now = now.Add(45 * time.Minute)
	x.Filter("fresh", "q", batch("a"))
	now = now.Add(30 * time.Minute)

	assert.Equal(t, 1, x.CleanupExpired())
	assert.Equal(t, 1, x.Len())
	assert.Equal(t, 0, x.recorded("old", "q"))
	assert.Equal(t, 1, x.recorded("fresh", "q"))
}

func TestWriteRefreshesExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	x := New(time.Hour)
	x.now = func() time.Time { return now }

	x.Filter("u", "q", batch("a"))
	now = now.Add(50 * time.Minute)
	x.Filter("u", "q", batch("a"))
	now = now.Add(50 * time.Minute)

	assert.Equal(t, 0, x.CleanupExpired())
}

func TestUnnamedRecordsAreNeverDuplicates(t *testing.T) {
	x := New(time.Hour)
	failed := domain.ErrorListing()
	unnamed := domain.EmptyListing()

	first := x.Filter("u", "q", []domain.Listing{{Name: "a"}, failed, failed, unnamed, unnamed})
	assert.Len(t, first, 5)
	assert.Equal(t, 1, x.recorded("u", "q"))

	second := x.Filter("u", "q", []domain.Listing{{Name: "a"}, {Name: "b"}, failed, unnamed})
	assert.Equal(t, []string{"b", domain.ExtractionError, domain.NoName}, names(second))
	assert.Equal(t, 2, x.recorded("u", "q"))
}
