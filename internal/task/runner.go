package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/placescout/backend/internal/domain"
	"github.com/placescout/backend/internal/pool"
	"github.com/placescout/backend/internal/scraper"
	"github.com/placescout/backend/internal/sink"
)

// Progress weights: enumeration fills the first 70%, extraction the rest.
const (
	enumerateWeight = 70
	extractWeight   = 100 - enumerateWeight
)

// SessionPool lends browser sessions by handle
type SessionPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (pool.Lease, error)
	Lookup(id pool.SessionID) (scraper.Session, bool)
	Release(ctx context.Context, lease pool.Lease) error
}

// ResultCache memoizes raw search results by fingerprint
type ResultCache interface {
	Get(key string) ([]domain.Listing, bool)
	Set(key string, value []domain.Listing, ttl time.Duration)
}

// Deduper filters listings a caller session has already seen
type Deduper interface {
	Filter(callerSession, queryKey string, batch []domain.Listing) []domain.Listing
}

// ResultFiles stores the per-task result file
type ResultFiles interface {
	Write(taskID string, listings []domain.Listing) (string, error)
	Remove(path string) error
}

// RunnerConfig tunes one run
type RunnerConfig struct {
	AcquireTimeout time.Duration
	ReleaseTimeout time.Duration
	ArchiveTimeout time.Duration
	CacheTTL       time.Duration
}

// Runner executes the search pipeline for one task at a time per call
type Runner struct {
	pool       SessionPool
	enumerator scraper.Enumerator
	extractor  scraper.Extractor
	cache      ResultCache
	dedup      Deduper
	registry   *Registry
	files      ResultFiles
	archives   []sink.Archive
	cfg        RunnerConfig
	logger     *zap.Logger
}

// RunnerDeps groups the collaborators of a Runner
type RunnerDeps struct {
	Pool       SessionPool
	Enumerator scraper.Enumerator
	Extractor  scraper.Extractor
	Cache      ResultCache
	Dedup      Deduper
	Registry   *Registry
	Files      ResultFiles
	Archives   []sink.Archive
}

// NewRunner creates a runner
func NewRunner(deps RunnerDeps, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 15 * time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = time.Minute
	}
	return &Runner{
		pool:       deps.Pool,
		enumerator: deps.Enumerator,
		extractor:  deps.Extractor,
		cache:      deps.Cache,
		dedup:      deps.Dedup,
		registry:   deps.Registry,
		files:      deps.Files,
		archives:   deps.Archives,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run executes the task with the given id. It returns once the task is
// completed or failed; a task that is not queued is left alone.
func (r *Runner) Run(ctx context.Context, id string) {
	if !r.registry.SetRunning(id) {
		return
	}
	t, ok := r.registry.Get(id)
	if !ok {
		return
	}
	req := t.Request()
	log := r.logger.With(zap.String("task_id", id), zap.String("query", req.Query))
	start := time.Now()

	outcome, err := r.safeExecute(ctx, id, req, log)
	if err != nil {
		r.fail(id, err, log)
		return
	}

	if !r.registry.SetCompleted(id, outcome) {
		// deleted while running
		_ = r.files.Remove(outcome.OutputFile)
		return
	}
	log.Info("Search completed",
		zap.Int("results", len(outcome.Results)),
		zap.Int("total_found", outcome.TotalFound),
		zap.Int("successful", outcome.SuccessfulExtracts),
		zap.Bool("from_cache", outcome.FromCache),
		zap.Int("removed_duplicates", outcome.RemovedDuplicates),
		zap.Duration("duration", time.Since(start)),
	)
}

func (r *Runner) safeExecute(ctx context.Context, id string, req domain.SearchRequest, log *zap.Logger) (o domain.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Search panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	return r.execute(ctx, id, req, log)
}

func (r *Runner) execute(ctx context.Context, id string, req domain.SearchRequest, log *zap.Logger) (domain.Outcome, error) {
	fingerprint := req.Fingerprint()

	if cached, ok := r.cache.Get(fingerprint); ok {
		log.Debug("Serving search from cache", zap.Int("cached", len(cached)))
		return r.finish(id, req, cached, len(cached), true)
	}

	lease, err := r.pool.Acquire(ctx, r.cfg.AcquireTimeout)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			return domain.Outcome{}, ErrPoolExhausted
		}
		return domain.Outcome{}, fmt.Errorf("acquire browser session: %w", err)
	}
	defer r.release(lease, log)

	sess, ok := r.pool.Lookup(lease.ID)
	if !ok {
		return domain.Outcome{}, fmt.Errorf("browser session %d vanished", lease.ID)
	}

	refs, err := r.enumerator.Enumerate(ctx, sess, req, req.Count, func(found, target int) {
		if target > 0 {
			r.registry.SetProgress(id, min(found, target)*enumerateWeight/target)
		}
	})
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("search failed: %w", err)
	}
	refs = uniqueRefs(refs)
	if len(refs) > req.Count {
		refs = refs[:req.Count]
	}
	if len(refs) == 0 {
		if req.Coordinates != nil {
			return domain.Outcome{}, &failure{field: FieldCoordinates, err: ErrNoResults}
		}
		return domain.Outcome{}, ErrNoResults
	}
	r.registry.SetProgress(id, enumerateWeight)

	raw := make([]domain.Listing, 0, len(refs))
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return domain.Outcome{}, err
		}
		raw = append(raw, r.extractOne(ctx, sess, ref, log))
		r.registry.SetProgress(id, enumerateWeight+(i+1)*extractWeight/len(refs))
	}

	r.cache.Set(fingerprint, raw, r.cfg.CacheTTL)
	r.archive(id, req.Query, raw, log)
	return r.finish(id, req, raw, len(refs), false)
}

// finish applies per-caller deduplication to the raw batch and writes the
// result file.
func (r *Runner) finish(id string, req domain.SearchRequest, raw []domain.Listing, totalFound int, fromCache bool) (domain.Outcome, error) {
	o := domain.Outcome{
		Results:            raw,
		TotalFound:         totalFound,
		SuccessfulExtracts: domain.CountSuccessful(raw),
		FromCache:          fromCache,
		OriginalCount:      len(raw),
	}
	if req.CallerSession != "" {
		o.Results = r.dedup.Filter(req.CallerSession, req.DedupKey(), raw)
		o.Deduplicated = true
		o.RemovedDuplicates = len(raw) - len(o.Results)
	}

	path, err := r.files.Write(id, o.Results)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("save results: %w", err)
	}
	o.OutputFile = path
	return o, nil
}

// extractOne never fails: errors and panics degrade to the error record.
func (r *Runner) extractOne(ctx context.Context, sess scraper.Session, ref string, log *zap.Logger) (l domain.Listing) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn("Extraction panicked", zap.String("ref", ref), zap.Any("panic", rec))
			l = domain.ErrorListing()
		}
	}()
	l, err := r.extractor.Extract(ctx, sess, ref)
	if err != nil {
		log.Warn("Extraction degraded", zap.String("ref", ref), zap.Error(err))
		return domain.ErrorListing()
	}
	return l
}

func (r *Runner) release(lease pool.Lease, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReleaseTimeout)
	defer cancel()
	if err := r.pool.Release(ctx, lease); err != nil {
		log.Warn("Failed to release browser session", zap.Uint64("session", uint64(lease.ID)), zap.Error(err))
	}
}

// archive hands the raw batch to every archive sink in the background.
func (r *Runner) archive(id, query string, raw []domain.Listing, log *zap.Logger) {
	if len(r.archives) == 0 {
		return
	}
	batch := sink.Batch{TaskID: id, Query: query, Listings: append([]domain.Listing(nil), raw...)}
	for _, a := range r.archives {
		go func(a sink.Archive) {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ArchiveTimeout)
			defer cancel()
			if err := a.Append(ctx, batch); err != nil {
				log.Warn("Archive delivery failed", zap.String("sink", a.Name()), zap.Error(err))
			}
		}(a)
	}
}

func (r *Runner) fail(id string, err error, log *zap.Logger) {
	field := ""
	var f *failure
	if errors.As(err, &f) {
		field = f.field
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		field = ve.Field
	}
	log.Warn("Search failed", zap.Error(err))
	r.registry.SetFailed(id, err.Error(), field)
}

// uniqueRefs drops repeated references, keeping first occurrences.
func uniqueRefs(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0:0]
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
