package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stackalign/internal/settings"
	"stackalign/internal/swim"
	"stackalign/pkg/geometry"
)

func jobs(sections ...int) []swim.Request {
	out := make([]swim.Request, len(sections))
	for i, z := range sections {
		out[i] = swim.Request{Section: z, Reference: z - 1, Level: 0, Scale: 4, Settings: settings.Default()}
	}
	return out
}

func shiftBackend(ctx context.Context, req swim.Request) (swim.Result, error) {
	return swim.Result{Affine: geometry.Translation(float64(req.Section), 0)}, nil
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestRunDeliversOneEventPerJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(swim.CorrelatorFunc(shiftBackend), Config{Workers: 3, FinestWorkers: 1}, nil)
	events := drain(p.Run(context.Background(), jobs(1, 2, 3, 4, 5), false))

	require.Len(t, events, 5)
	seen := map[int]bool{}
	for i, ev := range events {
		require.NoError(t, ev.Err)
		assert.Equal(t, i+1, ev.Completed)
		assert.Equal(t, 5, ev.Total)
		assert.Equal(t, float64(ev.Section), ev.Result.Affine.TX)
		assert.NotEmpty(t, ev.JobID)
		assert.Equal(t, ev.JobID, ev.Result.LogRef)
		assert.False(t, ev.Result.ComputedAt.IsZero())
		seen[ev.Section] = true
	}
	assert.Len(t, seen, 5)
}

func TestRunEmptyBatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := New(swim.CorrelatorFunc(shiftBackend), Config{Workers: 2}, nil)
	assert.Empty(t, drain(p.Run(context.Background(), nil, false)))
}

func TestFailureIsIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := swim.CorrelatorFunc(func(ctx context.Context, req swim.Request) (swim.Result, error) {
		switch req.Section {
		case 2:
			return swim.Result{}, errors.New("no signal")
		case 3:
			return swim.Result{Affine: geometry.AffineTransform{}}, nil
		case 4:
			panic("backend bug")
		}
		return shiftBackend(ctx, req)
	})
	p := New(backend, Config{Workers: 2}, nil)
	events := drain(p.Run(context.Background(), jobs(1, 2, 3, 4, 5), false))
	require.Len(t, events, 5)

	failed := map[int]error{}
	for _, ev := range events {
		if ev.Err != nil {
			failed[ev.Section] = ev.Err
		}
	}
	require.Len(t, failed, 3)
	for z, err := range failed {
		assert.ErrorIs(t, err, ErrCorrelationFailure, "section %d", z)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, tc := range []struct {
		name   string
		finest bool
		limit  int
	}{
		{"coarse", false, 3},
		{"finest", true, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var running, peak atomic.Int32
			backend := swim.CorrelatorFunc(func(ctx context.Context, req swim.Request) (swim.Result, error) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return shiftBackend(ctx, req)
			})
			p := New(backend, Config{Workers: 3, FinestWorkers: 1}, nil)
			assert.Equal(t, tc.limit, p.Limit(tc.finest))

			events := drain(p.Run(context.Background(), jobs(1, 2, 3, 4, 5, 6, 7, 8), tc.finest))
			assert.Len(t, events, 8)
			assert.LessOrEqual(t, int(peak.Load()), tc.limit)
		})
	}
}

func TestRunReturnsBeforeJobsFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	backend := swim.CorrelatorFunc(func(ctx context.Context, req swim.Request) (swim.Result, error) {
		<-release
		return shiftBackend(ctx, req)
	})
	p := New(backend, Config{Workers: 2}, nil)
	ch := p.Run(context.Background(), jobs(1, 2), false)

	select {
	case <-ch:
		t.Fatal("event delivered before any job could finish")
	default:
	}
	close(release)
	assert.Len(t, drain(ch), 2)
}

func TestCancellationStopsNewJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	var once sync.Once
	var calls atomic.Int32
	backend := swim.CorrelatorFunc(func(ctx context.Context, req swim.Request) (swim.Result, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-ctx.Done()
		return swim.Result{}, ctx.Err()
	})
	p := New(backend, Config{Workers: 1, FinestWorkers: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Run(ctx, jobs(1, 2, 3, 4, 5), false)
	<-started
	cancel()

	events := drain(ch)
	require.Len(t, events, 5)
	assert.Equal(t, int32(1), calls.Load())

	var skippedCount int
	for _, ev := range events {
		require.Error(t, ev.Err)
		assert.ErrorIs(t, ev.Err, context.Canceled)
		if ev.Skipped {
			skippedCount++
		}
	}
	assert.Equal(t, 4, skippedCount)
}

func TestNewFallsBackToDefaults(t *testing.T) {
	p := New(swim.CorrelatorFunc(shiftBackend), Config{}, nil)
	assert.GreaterOrEqual(t, p.Limit(false), 1)
	assert.GreaterOrEqual(t, p.Limit(true), 1)
	assert.LessOrEqual(t, p.Limit(true), p.Limit(false))
}
