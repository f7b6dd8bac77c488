package task

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placescout/backend/internal/cache"
	"github.com/placescout/backend/internal/dedup"
	"github.com/placescout/backend/internal/domain"
	"github.com/placescout/backend/internal/pool"
	"github.com/placescout/backend/internal/scraper"
	"github.com/placescout/backend/internal/sink"
)

type stubSession struct{}

func (stubSession) Context() context.Context       { return context.Background() }
func (stubSession) Sanitize(context.Context) error { return nil }
func (stubSession) Close() error                   { return nil }

type stubFactory struct{}

func (stubFactory) NewSession(context.Context, string) (scraper.Session, error) {
	return stubSession{}, nil
}

// fakeEnumerator returns refs in order, one progress tick per ref.
type fakeEnumerator struct {
	refs  []string
	err   error
	panic bool
	calls atomic.Int32
}

func (e *fakeEnumerator) Enumerate(_ context.Context, _ scraper.Session, _ domain.SearchRequest, target int, progress scraper.ProgressFunc) ([]string, error) {
	e.calls.Add(1)
	if e.panic {
		panic("page exploded")
	}
	if e.err != nil {
		return nil, e.err
	}
	for i := range e.refs {
		progress(i+1, target)
	}
	return e.refs, nil
}

// fakeExtractor turns "ref-x" into a listing named "x". Refs in fail error
// out; refs in explode panic.
type fakeExtractor struct {
	fail    map[string]bool
	explode map[string]bool
	onCall  func(ref string)

	mu    sync.Mutex
	calls []string
}

func (x *fakeExtractor) Extract(_ context.Context, _ scraper.Session, ref string) (domain.Listing, error) {
	x.mu.Lock()
	x.calls = append(x.calls, ref)
	x.mu.Unlock()
	if x.onCall != nil {
		x.onCall(ref)
	}
	if x.explode[ref] {
		panic("nil node")
	}
	if x.fail[ref] {
		return domain.Listing{}, errors.New("detail panel timeout")
	}
	name := strings.TrimPrefix(ref, "ref-")
	return domain.Listing{
		Name:    name,
		Address: name + " street 1",
		Phone:   domain.NoPhone,
		Website: "https://" + name + ".example",
	}, nil
}

func (x *fakeExtractor) extracted() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.calls...)
}

type recordingArchive struct {
	mu      sync.Mutex
	batches []sink.Batch
}

func (a *recordingArchive) Name() string { return "recording" }

func (a *recordingArchive) Append(_ context.Context, b sink.Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, b)
	return nil
}

func (a *recordingArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches)
}

type runnerFixture struct {
	runner   *Runner
	registry *Registry
	pool     *pool.Pool
	files    *sink.FileStore
	cache    *cache.ResultCache
	enum     *fakeEnumerator
	extract  *fakeExtractor
	archive  *recordingArchive
	nextID   int
}

func newRunnerFixture(t *testing.T, maxSessions int) *runnerFixture {
	t.Helper()
	files, err := sink.NewFileStore(t.TempDir())
	require.NoError(t, err)

	p := pool.New(stubFactory{}, pool.Config{
		MaxSessions:  maxSessions,
		ReuseLimit:   10,
		PollInterval: 5 * time.Millisecond,
		BaseDir:      t.TempDir(),
	}, zap.NewNop())
	t.Cleanup(p.Close)

	f := &runnerFixture{
		registry: NewRegistry(),
		pool:     p,
		files:    files,
		cache:    cache.New(100, time.Hour, zap.NewNop()),
		enum:     &fakeEnumerator{},
		extract:  &fakeExtractor{},
		archive:  &recordingArchive{},
	}
	f.runner = NewRunner(RunnerDeps{
		Pool:       p,
		Enumerator: f.enum,
		Extractor:  f.extract,
		Cache:      f.cache,
		Dedup:      dedup.New(time.Hour),
		Registry:   f.registry,
		Files:      files,
		Archives:   []sink.Archive{f.archive},
	}, RunnerConfig{
		AcquireTimeout: 50 * time.Millisecond,
		CacheTTL:       time.Hour,
	}, zap.NewNop())
	return f
}

// run submits req as a new task, runs it synchronously and returns the
// final snapshot.
func (f *runnerFixture) run(t *testing.T, req domain.SearchRequest) *domain.Task {
	t.Helper()
	f.nextID++
	id := "task-" + string(rune('a'+f.nextID))
	require.NoError(t, f.registry.AddIfBelow(&domain.Task{
		ID:            id,
		Status:        domain.TaskStatusQueued,
		Query:         req.Query,
		Count:         req.Count,
		Coordinates:   req.Coordinates,
		CallerSession: req.CallerSession,
		CreatedAt:     time.Now(),
	}, 100))

	f.runner.Run(context.Background(), id)

	got, ok := f.registry.Get(id)
	require.True(t, ok)
	require.True(t, got.Status.Terminal(), "task left in %s", got.Status)
	return got
}

func refs(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "ref-" + n
	}
	return out
}

func names(listings []domain.Listing) []string {
	out := make([]string, len(listings))
	for i, l := range listings {
		out[i] = l.Name
	}
	return out
}

func readResultFile(t *testing.T, path string) []domain.Listing {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	out := make([]domain.Listing, 0, len(rows)-1)
	for _, r := range rows[1:] {
		out = append(out, domain.Listing{Name: r[0], Address: r[1], Phone: r[2], Website: r[3]})
	}
	return out
}

func TestRunCompletesAndWritesResultFile(t *testing.T) {
	f := newRunnerFixture(t, 2)
	f.enum.refs = refs("a", "b", "c", "d", "e")

	got := f.run(t, domain.SearchRequest{Query: "coffee shop", Count: 5})

	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, names(got.Results))
	assert.Equal(t, 5, got.TotalFound)
	assert.Equal(t, 5, got.SuccessfulExtracts)
	assert.False(t, got.FromCache)
	assert.False(t, got.Deduplicated)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, got.Results, readResultFile(t, got.OutputFile))

	assert.Equal(t, 0, f.pool.Stats().Leased, "session returned to the pool")
	assert.Eventually(t, func() bool { return f.archive.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunTruncatesToCount(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a", "b", "c", "d", "e", "f", "g")

	got := f.run(t, domain.SearchRequest{Query: "bakery", Count: 3})

	assert.Len(t, got.Results, 3)
	assert.Equal(t, 3, got.TotalFound)
	assert.Len(t, f.extract.extracted(), 3)
}

func TestRunCollapsesDuplicateRefs(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a", "b", "a", "c", "b")

	got := f.run(t, domain.SearchRequest{Query: "bakery", Count: 10})

	assert.Equal(t, []string{"a", "b", "c"}, names(got.Results))
	assert.Equal(t, []string{"ref-a", "ref-b", "ref-c"}, f.extract.extracted())
}

func TestPartialExtractionFailureStillCompletes(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	f.extract.fail = map[string]bool{"ref-c": true}
	f.extract.explode = map[string]bool{"ref-h": true}

	got := f.run(t, domain.SearchRequest{Query: "dentist", Count: 10})

	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Len(t, got.Results, 10)
	assert.Equal(t, 10, got.TotalFound)
	assert.Equal(t, 8, got.SuccessfulExtracts)
	assert.Equal(t, domain.ErrorListing(), got.Results[2])
	assert.Equal(t, domain.ErrorListing(), got.Results[7])
}

func TestFailedExtractionsSurviveDeduplication(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	f.extract.fail = map[string]bool{"ref-c": true, "ref-h": true, "ref-l": true}

	got := f.run(t, domain.SearchRequest{Query: "dentist", Count: 10, CallerSession: "caller-1"})

	assert.True(t, got.Deduplicated)
	assert.Len(t, got.Results, 10)
	assert.Equal(t, 8, got.SuccessfulExtracts)
	assert.Equal(t, 0, got.RemovedDuplicates)

	// new places only, one of them failing
	f.enum.refs = refs("k", "l", "m")
	next := f.run(t, domain.SearchRequest{Query: "dentist", Count: 3, CallerSession: "caller-1"})

	assert.Equal(t, []string{"k", domain.ExtractionError, "m"}, names(next.Results))
	assert.Equal(t, 0, next.RemovedDuplicates)
}

func TestNoResultsFails(t *testing.T) {
	f := newRunnerFixture(t, 1)

	got := f.run(t, domain.SearchRequest{Query: "unicorn stable", Count: 5})
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, ErrNoResults.Error(), got.Error)
	assert.Empty(t, got.ErrorField)
	assert.Empty(t, got.OutputFile)
}

func TestNoResultsWithCoordinatesNamesField(t *testing.T) {
	f := newRunnerFixture(t, 1)

	got := f.run(t, domain.SearchRequest{
		Query:       "unicorn stable",
		Count:       5,
		Coordinates: &domain.Coordinates{Lat: 0.5, Lng: -160},
	})
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, FieldCoordinates, got.ErrorField)
}

func TestPoolExhaustedFails(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a")

	held, err := f.pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer f.pool.Release(context.Background(), held)

	got := f.run(t, domain.SearchRequest{Query: "bakery", Count: 1})
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, ErrPoolExhausted.Error(), got.Error)
	assert.Equal(t, int32(0), f.enum.calls.Load())
}

func TestEnumerationErrorReleasesSession(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.err = errors.New("results feed never appeared")

	got := f.run(t, domain.SearchRequest{Query: "bakery", Count: 5})
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "results feed never appeared")
	assert.Equal(t, 0, f.pool.Stats().Leased)
}

func TestPanicFailsTaskAndReleasesSession(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.panic = true

	got := f.run(t, domain.SearchRequest{Query: "bakery", Count: 5})
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "page exploded")
	assert.Equal(t, 0, f.pool.Stats().Leased)
}

func TestProgressNeverDecreases(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a", "b", "c", "d")

	var (
		mu       sync.Mutex
		observed []int
	)
	f.extract.onCall = func(string) {
		cur, ok := f.registry.Get("task-b")
		if ok {
			mu.Lock()
			observed = append(observed, cur.Progress)
			mu.Unlock()
		}
	}

	got := f.run(t, domain.SearchRequest{Query: "bakery", Count: 4})
	require.Equal(t, domain.TaskStatusCompleted, got.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, observed, 4)
	assert.Equal(t, enumerateWeight, observed[0], "enumeration fills its share before extraction")
	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1])
	}
}

func TestRepeatSearchServedFromCacheAndDeduplicated(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a", "b", "c", "d", "e")
	req := domain.SearchRequest{Query: "coffee shop", Count: 5, CallerSession: "caller-1"}

	first := f.run(t, req)
	require.Equal(t, domain.TaskStatusCompleted, first.Status)
	assert.False(t, first.FromCache)
	assert.True(t, first.Deduplicated)
	assert.Len(t, first.Results, 5)
	assert.Equal(t, 0, first.RemovedDuplicates)

	second := f.run(t, req)
	require.Equal(t, domain.TaskStatusCompleted, second.Status)
	assert.True(t, second.FromCache)
	assert.Equal(t, int32(1), f.enum.calls.Load(), "second search never touched the browser")
	assert.Empty(t, second.Results)
	assert.Equal(t, 5, second.OriginalCount)
	assert.Equal(t, 5, second.RemovedDuplicates)
	assert.Equal(t, 0, second.DeduplicatedCount)

	// another caller gets the cached batch in full
	other := f.run(t, domain.SearchRequest{Query: "Coffee  Shop", Count: 5, CallerSession: "caller-2"})
	assert.True(t, other.FromCache)
	assert.Len(t, other.Results, 5)
}

func TestOverlappingFreshSearchRemovesSeenListings(t *testing.T) {
	f := newRunnerFixture(t, 1)

	f.enum.refs = refs("a", "b", "c", "d", "e")
	first := f.run(t, domain.SearchRequest{Query: "pizza", Count: 5, CallerSession: "caller-1"})
	require.Len(t, first.Results, 5)

	// a different count misses the cache but shares the dedup scope
	f.enum.refs = refs("c", "d", "e", "f", "g")
	second := f.run(t, domain.SearchRequest{Query: "pizza", Count: 6, CallerSession: "caller-1"})

	assert.False(t, second.FromCache)
	assert.Equal(t, []string{"f", "g"}, names(second.Results))
	assert.Equal(t, 3, second.RemovedDuplicates)
	assert.Equal(t, 5, second.OriginalCount)

	assert.Equal(t, []string{"f", "g"}, names(readResultFile(t, second.OutputFile)))
}

func TestTaskDeletedWhileRunningDropsResultFile(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a", "b")

	id := "task-deleted"
	require.NoError(t, f.registry.AddIfBelow(&domain.Task{
		ID: id, Status: domain.TaskStatusQueued, Query: "bakery", Count: 2, CreatedAt: time.Now(),
	}, 5))
	f.extract.onCall = func(ref string) {
		if ref == "ref-b" {
			f.registry.Delete(id)
		}
	}

	f.runner.Run(context.Background(), id)

	_, ok := f.registry.Get(id)
	assert.False(t, ok)
	path, err := f.files.Path(id)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestRunIgnoresTaskThatIsNotQueued(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a")

	got := f.run(t, domain.SearchRequest{Query: "bakery", Count: 1})
	require.Equal(t, domain.TaskStatusCompleted, got.Status)

	f.runner.Run(context.Background(), got.ID)
	assert.Equal(t, int32(1), f.enum.calls.Load())
}

func TestCancelledRunFails(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.enum.refs = refs("a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	f.extract.onCall = func(string) { cancel() }

	require.NoError(t, f.registry.AddIfBelow(&domain.Task{
		ID: "t", Status: domain.TaskStatusQueued, Query: "bakery", Count: 3, CreatedAt: time.Now(),
	}, 5))
	f.runner.Run(ctx, "t")

	got, _ := f.registry.Get("t")
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Len(t, f.extract.extracted(), 1)
	assert.Equal(t, 0, f.pool.Stats().Leased)
}

func TestUniqueRefs(t *testing.T) {
	assert.Equal(t, []string{"x", "y"}, uniqueRefs([]string{"x", "y", "x"}))
	assert.Empty(t, uniqueRefs(nil))
}
