package project

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stackalign/internal/cache"
	"stackalign/internal/fingerprint"
	"stackalign/internal/settings"
	"stackalign/internal/swim"
	"stackalign/internal/worker"
)

// ErrNoCorrelator is returned by Submit when the project has no backend.
var ErrNoCorrelator = errors.New("project has no correlator")

// Report accounts for every section of a submitted range.
type Report struct {
	BatchID string
	Level   int
	// Dispatched sections were sent to the correlator.
	Dispatched []int
	// Cached sections already had a result for their current settings.
	Cached []int
	// Inserted sections received a new result.
	Inserted []int
	// Anchor holds the section without a reference, if it was in range.
	Anchor []int
	// Excluded sections are not aligned at all.
	Excluded []int
	// NotReady sections lack enough constraints; values wrap
	// settings.ErrInsufficientCorrespondence.
	NotReady map[int]error
	// Failed sections were dispatched and did not produce a result.
	Failed map[int]error
	// Skipped sections were never started because the batch was cancelled.
	Skipped []int
}

// Batch is a running alignment batch.
type Batch struct {
	id     string
	events chan worker.Event
	done   chan struct{}
	report Report
}

// ID returns the batch identifier used in logs.
func (b *Batch) ID() string { return b.id }

// Events yields one event per dispatched job in completion order, after its
// result has been inserted. It is closed when the batch is drained. Reading
// it is optional.
func (b *Batch) Events() <-chan worker.Event { return b.events }

// Wait blocks until every job has finished or been skipped.
func (b *Batch) Wait() Report {
	<-b.done
	return b.report
}

type planned struct {
	req swim.Request
	fp  fingerprint.Fingerprint
}

// Submit plans sections from..to (inclusive) at the level and dispatches the
// dirty, eligible ones. It returns once the jobs are queued.
func (p *Project) Submit(ctx context.Context, level, from, to int) (*Batch, error) {
	if p.pool == nil {
		return nil, ErrNoCorrelator
	}
	if err := p.check(from, level); err != nil {
		return nil, err
	}
	if err := p.check(to, level); err != nil {
		return nil, err
	}
	if from > to {
		return nil, fmt.Errorf("empty range %d..%d", from, to)
	}

	report := Report{
		BatchID:  uuid.NewString(),
		Level:    level,
		NotReady: make(map[int]error),
		Failed:   make(map[int]error),
	}
	plan, err := p.plan(level, from, to, &report)
	if err != nil {
		return nil, err
	}

	jobs := make([]swim.Request, len(plan))
	fps := make(map[int]fingerprint.Fingerprint, len(plan))
	for i, pl := range plan {
		jobs[i] = pl.req
		fps[pl.req.Section] = pl.fp
		report.Dispatched = append(report.Dispatched, pl.req.Section)
	}

	p.logger.Info("batch submitted",
		zap.String("batch", report.BatchID),
		zap.Int("level", level),
		zap.Int("jobs", len(jobs)),
		zap.Int("cached", len(report.Cached)),
		zap.Int("not_ready", len(report.NotReady)))

	b := &Batch{
		id:     report.BatchID,
		events: make(chan worker.Event, len(jobs)),
		done:   make(chan struct{}),
	}
	finest := level == len(p.levels)-1
	go p.coordinate(b, p.pool.Run(ctx, jobs, finest), fps, report)
	return b, nil
}

// Align submits the range and waits for it to drain.
func (p *Project) Align(ctx context.Context, level, from, to int) (Report, error) {
	b, err := p.Submit(ctx, level, from, to)
	if err != nil {
		return Report{}, err
	}
	return b.Wait(), nil
}

func (p *Project) plan(level, from, to int, report *Report) ([]planned, error) {
	p.mu.RLock()
	sections := append([]Section(nil), p.sections...)
	scale := p.levels[level].Scale
	p.mu.RUnlock()

	var out []planned
	for z := from; z <= to; z++ {
		if sections[z].Excluded {
			report.Excluded = append(report.Excluded, z)
			continue
		}
		sw, err := p.store.Get(z, level)
		if err != nil {
			return nil, err
		}
		if sw.Reference == settings.NoReference {
			report.Anchor = append(report.Anchor, z)
			continue
		}
		if err := sw.Ready(); err != nil {
			report.NotReady[z] = fmt.Errorf("section %d: %w", z, err)
			continue
		}
		fp := fingerprint.Of(sw)
		if _, ok := p.cache.Lookup(z, level, fp); ok {
			report.Cached = append(report.Cached, z)
			continue
		}
		out = append(out, planned{
			fp: fp,
			req: swim.Request{
				Section:   z,
				Reference: sw.Reference,
				Level:     level,
				Scale:     scale,
				Image:     sections[z].Source,
				RefImage:  sections[sw.Reference].Source,
				Settings:  sw,
			},
		})
	}
	return out, nil
}

// coordinate is the only writer of results: it drains the pool, inserts each
// result under the write lock and forwards the event.
func (p *Project) coordinate(b *Batch, events <-chan worker.Event, fps map[int]fingerprint.Fingerprint, report Report) {
	defer close(b.done)
	defer close(b.events)

	for ev := range events {
		switch {
		case ev.Skipped:
			report.Skipped = append(report.Skipped, ev.Section)
		case ev.Err != nil:
			report.Failed[ev.Section] = ev.Err
		default:
			if err := p.insert(ev.Section, ev.Level, fps[ev.Section], ev.Result); err != nil {
				p.logger.Error("result rejected",
					zap.String("batch", b.id),
					zap.Int("section", ev.Section),
					zap.Int("level", ev.Level),
					zap.Error(err))
				report.Failed[ev.Section] = err
				ev.Err = err
				break
			}
			report.Inserted = append(report.Inserted, ev.Section)
		}
		b.events <- ev
	}

	sort.Ints(report.Inserted)
	sort.Ints(report.Skipped)
	b.report = report

	p.logger.Info("batch finished",
		zap.String("batch", b.id),
		zap.Int("level", report.Level),
		zap.Int("inserted", len(report.Inserted)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", len(report.Skipped)))
	p.Emit(EventBatchFinished, report)
}

func (p *Project) insert(z, level int, fp fingerprint.Fingerprint, res swim.Result) error {
	p.wmu.Lock()
	err := p.cache.Insert(z, level, fp, res)
	p.wmu.Unlock()
	if err != nil {
		return err
	}
	p.touch()
	p.Emit(EventResultInserted, cache.Key{Section: z, Level: level})
	return nil
}
