// Package worker dispatches correlation jobs to a bounded set of goroutines
// and streams their outcomes back to a single consumer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stackalign/internal/swim"
)

// ErrCorrelationFailure wraps every job-level failure: a backend error, a
// panic, or a degenerate transform.
var ErrCorrelationFailure = errors.New("correlation failed")

// Config bounds the pool's parallelism.
type Config struct {
	// Workers is the number of jobs run at once.
	Workers int `yaml:"count" validate:"min=1"`
	// FinestWorkers caps jobs at the finest level, where images are largest.
	FinestWorkers int `yaml:"finestCount" validate:"min=1"`
}

// DefaultConfig uses every CPU, and a quarter of them at the finest level.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{Workers: n, FinestWorkers: max(1, n/4)}
}

// Event reports one finished (or skipped) job. Events arrive in completion
// order; Completed counts events delivered so far, including this one.
type Event struct {
	JobID     string
	Section   int
	Level     int
	Result    swim.Result
	Err       error
	Skipped   bool // never started because the batch was cancelled
	Elapsed   time.Duration
	Completed int
	Total     int
}

// Pool runs correlation jobs against a backend.
type Pool struct {
	cfg     Config
	backend swim.Correlator
	logger  *zap.Logger
}

// New creates a pool. Non-positive limits fall back to DefaultConfig.
func New(backend swim.Correlator, cfg Config, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.FinestWorkers < 1 {
		cfg.FinestWorkers = max(1, cfg.Workers/4)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, backend: backend, logger: logger}
}

// Limit returns the concurrency used for a batch.
func (p *Pool) Limit(finest bool) int {
	if finest {
		return min(p.cfg.Workers, p.cfg.FinestWorkers)
	}
	return p.cfg.Workers
}

// Run starts the batch and returns immediately. The channel yields exactly
// one event per job and is closed once every job has finished or been skipped.
// After ctx is done no new job starts; running jobs see the cancelled ctx.
func (p *Pool) Run(ctx context.Context, jobs []swim.Request, finest bool) <-chan Event {
	out := make(chan Event, len(jobs))
	total := len(jobs)
	limit := p.Limit(finest)

	go func() {
		defer close(out)

		var (
			mu        sync.Mutex
			completed int
		)
		emit := func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			completed++
			ev.Completed = completed
			ev.Total = total
			out <- ev
		}

		var g errgroup.Group
		g.SetLimit(limit)
		for i := range jobs {
			req := jobs[i]
			if req.JobID == "" {
				req.JobID = uuid.NewString()
			}
			if err := ctx.Err(); err != nil {
				emit(skipped(req, err))
				continue
			}
			g.Go(func() error {
				emit(p.runOne(ctx, req))
				return nil
			})
		}
		_ = g.Wait()

		p.logger.Debug("batch drained", zap.Int("jobs", total), zap.Int("limit", limit))
	}()

	return out
}

func skipped(req swim.Request, err error) Event {
	jobsTotal.WithLabelValues("skipped").Inc()
	return Event{JobID: req.JobID, Section: req.Section, Level: req.Level, Err: err, Skipped: true}
}

func (p *Pool) runOne(ctx context.Context, req swim.Request) Event {
	// g.Go may have blocked on the limit while ctx was cancelled
	if err := ctx.Err(); err != nil {
		return skipped(req, err)
	}

	jobsInflight.Inc()
	defer jobsInflight.Dec()

	start := time.Now()
	res, err := p.correlate(ctx, req)
	elapsed := time.Since(start)
	jobDuration.Observe(elapsed.Seconds())

	ev := Event{JobID: req.JobID, Section: req.Section, Level: req.Level, Elapsed: elapsed}
	if err != nil {
		jobsTotal.WithLabelValues("failed").Inc()
		p.logger.Warn("correlation failed",
			zap.Int("section", req.Section),
			zap.Int("level", req.Level),
			zap.String("job", req.JobID),
			zap.Error(err))
		ev.Err = err
		return ev
	}

	if res.LogRef == "" {
		res.LogRef = req.JobID
	}
	if res.ComputedAt.IsZero() {
		res.ComputedAt = time.Now()
	}
	jobsTotal.WithLabelValues("ok").Inc()
	ev.Result = res
	return ev
}

func (p *Pool) correlate(ctx context.Context, req swim.Request) (res swim.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("section %d: %w: panic: %v", req.Section, ErrCorrelationFailure, r)
		}
	}()

	res, err = p.backend.Correlate(ctx, req)
	if err != nil {
		return swim.Result{}, fmt.Errorf("section %d: %w: %w", req.Section, ErrCorrelationFailure, err)
	}
	if res.Affine.Degenerate() {
		return swim.Result{}, fmt.Errorf("section %d: %w: degenerate transform %v", req.Section, ErrCorrelationFailure, res.Affine)
	}
	return res, nil
}
