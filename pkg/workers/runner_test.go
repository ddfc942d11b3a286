package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/metrics"
)

type stubTicker struct {
	name  string
	ticks atomic.Int64
	n     int
	err   error
}

func (s *stubTicker) Name() string { return s.name }

func (s *stubTicker) Tick(ctx context.Context, max int) (int, error) {
	s.ticks.Add(1)
	if s.n > max {
		return max, s.err
	}
	return s.n, s.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestRunner_DrivesWorkersAndCounts(t *testing.T) {
	m := metrics.New()
	busy := &stubTicker{name: "busy", n: 3}
	idle := &stubTicker{name: "lazy"}
	broken := &stubTicker{name: "broken", err: errors.New("boom")}

	r := NewRunner(quiet(), m)
	r.Add(busy, time.Millisecond, 10)
	r.Add(idle, time.Millisecond, 10)
	r.Add(broken, time.Millisecond, 10)
	r.Start(context.Background())

	waitFor(t, func() bool {
		return busy.ticks.Load() >= 2 && idle.ticks.Load() >= 2 && broken.ticks.Load() >= 2
	})
	r.Stop()

	done := busy.ticks.Load()
	require.Equal(t, float64(done), testutil.ToFloat64(m.WorkerTicks.WithLabelValues("busy", "ok")))
	require.Equal(t, float64(done*3), testutil.ToFloat64(m.WorkerMessages.WithLabelValues("busy")))
	require.Greater(t, testutil.ToFloat64(m.WorkerTicks.WithLabelValues("lazy", "idle")), 0.0)
	require.Greater(t, testutil.ToFloat64(m.WorkerTicks.WithLabelValues("broken", "error")), 0.0)

	// Stopped: no further ticks arrive.
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, done, busy.ticks.Load())
}

func TestRunner_StopBeforeStartIsSafe(t *testing.T) {
	r := NewRunner(quiet(), nil)
	r.Stop()
}

func TestRunner_ContextCancelStopsLoops(t *testing.T) {
	busy := &stubTicker{name: "busy", n: 1}
	r := NewRunner(quiet(), nil)
	r.Add(busy, time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	waitFor(t, func() bool { return busy.ticks.Load() >= 1 })
	cancel()

	// The loop observes cancellation; ticks settle.
	waitFor(t, func() bool {
		before := busy.ticks.Load()
		time.Sleep(5 * time.Millisecond)
		return busy.ticks.Load() == before
	})
}
