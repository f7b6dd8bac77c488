package task

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Expirer is anything the sweep can purge; it returns how many entries went.
type Expirer func() int

// MaintenanceConfig tunes the periodic sweep
type MaintenanceConfig struct {
	Interval        time.Duration
	Retention       time.Duration
	MemoryThreshold float64 // percent of system memory used by this process
}

// Maintainer periodically drops old tasks and their files, purges expired
// cache and dedup entries, and frees memory under pressure.
type Maintainer struct {
	registry *Registry
	files    ResultFiles
	expirers map[string]Expirer
	cfg      MaintenanceConfig
	logger   *zap.Logger

	now         func() time.Time
	memoryUsage func() (float64, error)
	reclaim     func()
}

// SweepReport summarizes one maintenance cycle
type SweepReport struct {
	ExpiredTasks int
	Purged       map[string]int
	MemoryUsage  float64
	Reclaimed    bool
	Errors       []error
}

// NewMaintainer creates a maintainer. expirers maps a label used in logs to
// a purge function, e.g. "cache" -> ResultCache.PurgeExpired.
func NewMaintainer(registry *Registry, files ResultFiles, expirers map[string]Expirer, cfg MaintenanceConfig, logger *zap.Logger) *Maintainer {
	return &Maintainer{
		registry:    registry,
		files:       files,
		expirers:    expirers,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		memoryUsage: processMemoryPercent,
		reclaim:     debug.FreeOSMemory,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("Maintenance loop started", zap.Duration("interval", m.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report := m.Sweep()
			fields := []zap.Field{
				zap.Int("expired_tasks", report.ExpiredTasks),
				zap.Any("purged", report.Purged),
				zap.Float64("memory_percent", report.MemoryUsage),
				zap.Bool("reclaimed", report.Reclaimed),
			}
			if len(report.Errors) > 0 {
				m.logger.Warn("Maintenance sweep finished with errors", append(fields, zap.Errors("errors", report.Errors))...)
			} else {
				m.logger.Debug("Maintenance sweep finished", fields...)
			}
		}
	}
}

// Sweep runs one cycle. Each step is isolated: an error or panic in one is
// recorded and the others still run.
func (m *Maintainer) Sweep() SweepReport {
	report := SweepReport{Purged: make(map[string]int)}

	m.step(&report, "tasks", func() error {
		expired := m.registry.ExpireBefore(m.now().Add(-m.cfg.Retention))
		report.ExpiredTasks = len(expired)
		var firstErr error
		for _, t := range expired {
			if err := m.files.Remove(t.OutputFile); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("remove result file of %s: %w", t.ID, err)
			}
		}
		return firstErr
	})

	for name, purge := range m.expirers {
		m.step(&report, name, func() error {
			report.Purged[name] = purge()
			return nil
		})
	}

	m.step(&report, "memory", func() error {
		usage, err := m.memoryUsage()
		if err != nil {
			return fmt.Errorf("read memory usage: %w", err)
		}
		report.MemoryUsage = usage
		if m.cfg.MemoryThreshold > 0 && usage > m.cfg.MemoryThreshold {
			m.logger.Warn("Memory usage above threshold, reclaiming",
				zap.Float64("percent", usage),
				zap.Float64("threshold", m.cfg.MemoryThreshold),
			)
			m.reclaim()
			report.Reclaimed = true
		}
		return nil
	})

	return report
}

func (m *Maintainer) step(report *SweepReport, name string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			report.Errors = append(report.Errors, fmt.Errorf("%s: panic: %v", name, rec))
		}
	}()
	if err := fn(); err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("%s: %w", name, err))
	}
}

func processMemoryPercent() (float64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	pct, err := p.MemoryPercent()
	if err != nil {
		return 0, err
	}
	return float64(pct), nil
}
