package task

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/placescout/backend/internal/domain"
)

// resultChunk is how many listings go into one "results" stream event.
const resultChunk = 10

// Executor runs one task to completion
type Executor interface {
	Run(ctx context.Context, id string)
}

// ServiceConfig sizes the worker pool
type ServiceConfig struct {
	MaxConcurrent int
}

// Stats summarizes the service for health endpoints
type Stats struct {
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Service is the entry point the HTTP layer calls: it validates and admits
// searches, runs them on a fixed set of workers and answers status queries.
type Service struct {
	registry *Registry
	executor Executor
	files    ResultFiles
	cfg      ServiceConfig
	logger   *zap.Logger
	newID    func() string

	jobs    chan string
	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a service. Call Start before submitting.
func NewService(registry *Registry, executor Executor, files ResultFiles, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &Service{
		registry: registry,
		executor: executor,
		files:    files,
		cfg:      cfg,
		logger:   logger,
		newID:    func() string { return uuid.New().String() },
		jobs:     make(chan string, cfg.MaxConcurrent),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.MaxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.logger.Info("Task workers started", zap.Int("workers", s.cfg.MaxConcurrent))
}

// Stop rejects new submissions, cancels running tasks and waits for the
// workers to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Service) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.jobs:
			s.logger.Debug("Worker picked up task", zap.Int("worker", n), zap.String("task_id", id))
			s.executor.Run(ctx, id)
		}
	}
}

// Submit validates req, creates a queued task and hands it to the workers.
// It fails fast with ErrCapacity when MaxConcurrent tasks are already active.
func (s *Service) Submit(req domain.SearchRequest) (string, error) {
	if err := Validate(&req); err != nil {
		return "", err
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	t := &domain.Task{
		ID:            s.newID(),
		Status:        domain.TaskStatusQueued,
		Query:         req.Query,
		Count:         req.Count,
		Coordinates:   req.Coordinates,
		CallerSession: req.CallerSession,
		CreatedAt:     time.Now(),
	}
	if err := s.registry.AddIfBelow(t, s.cfg.MaxConcurrent); err != nil {
		return "", err
	}

	// ids of queued tasks deleted before a worker picked them up stay in the
	// channel, so it can be full while the registry has room
	select {
	case s.jobs <- t.ID:
	default:
		s.registry.Delete(t.ID)
		return "", ErrCapacity
	}

	s.logger.Info("Search queued",
		zap.String("task_id", t.ID),
		zap.String("query", t.Query),
		zap.Int("count", t.Count),
		zap.Bool("has_session", t.CallerSession != ""),
	)
	return t.ID, nil
}

// Status returns a snapshot of the task.
func (s *Service) Status(id string) (*domain.Task, error) {
	t, ok := s.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Delete forgets the task and removes its result file. A running task keeps
// going but its outcome is discarded.
func (s *Service) Delete(id string) error {
	t, ok := s.registry.Delete(id)
	if !ok {
		return ErrNotFound
	}
	if err := s.files.Remove(t.OutputFile); err != nil {
		s.logger.Warn("Failed to remove result file", zap.String("task_id", id), zap.Error(err))
	}
	return nil
}

// ResultFile returns the path of a completed task's result file.
func (s *Service) ResultFile(id string) (string, error) {
	t, ok := s.registry.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	if t.Status != domain.TaskStatusCompleted || t.OutputFile == "" {
		return "", ErrNoResultFile
	}
	if _, err := os.Stat(t.OutputFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoResultFile
		}
		return "", err
	}
	return t.OutputFile, nil
}

// Stats returns task counts.
func (s *Service) Stats() Stats {
	c := s.registry.Counts()
	return Stats{
		Queued:        c[domain.TaskStatusQueued],
		Running:       c[domain.TaskStatusRunning],
		Completed:     c[domain.TaskStatusCompleted],
		Failed:        c[domain.TaskStatusFailed],
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
}

// Watch polls the task every interval and emits stream events until it
// reaches a terminal state, disappears, ctx ends, or emit fails.
func (s *Service) Watch(ctx context.Context, id string, interval time.Duration, emit func(domain.StreamEvent) error) error {
	t, ok := s.registry.Get(id)
	if !ok {
		return emit(domain.StreamEvent{Type: domain.StreamEventError, TaskID: id, Message: ErrNotFound.Error()})
	}
	if err := emit(domain.StreamEvent{Type: domain.StreamEventStart, TaskID: id, Status: t.Status}); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastProgress := -1
	for {
		t, ok := s.registry.Get(id)
		if !ok {
			return emit(domain.StreamEvent{Type: domain.StreamEventError, TaskID: id, Message: ErrNotFound.Error()})
		}

		switch t.Status {
		case domain.TaskStatusCompleted:
			return emitCompleted(t, emit)
		case domain.TaskStatusFailed:
			return emit(domain.StreamEvent{
				Type:    domain.StreamEventError,
				TaskID:  id,
				Status:  t.Status,
				Message: t.Error,
				Field:   t.ErrorField,
			})
		}

		if t.Progress != lastProgress {
			lastProgress = t.Progress
			if err := emit(domain.StreamEvent{
				Type:     domain.StreamEventProgress,
				TaskID:   id,
				Status:   t.Status,
				Progress: t.Progress,
			}); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func emitCompleted(t *domain.Task, emit func(domain.StreamEvent) error) error {
	for i := 0; i < len(t.Results); i += resultChunk {
		end := min(i+resultChunk, len(t.Results))
		if err := emit(domain.StreamEvent{
			Type:    domain.StreamEventResults,
			TaskID:  t.ID,
			Results: t.Results[i:end],
		}); err != nil {
			return err
		}
	}
	return emit(domain.StreamEvent{
		Type:               domain.StreamEventComplete,
		TaskID:             t.ID,
		Status:             t.Status,
		Progress:           100,
		TotalFound:         t.TotalFound,
		SuccessfulExtracts: t.SuccessfulExtracts,
		FromCache:          t.FromCache,
		RemovedDuplicates:  t.RemovedDuplicates,
	})
}
