// Package workers hosts the background loops that drain the outbox and
// maintain projections: dispatch, liveness, assist queueing, proof
// evaluation, artifact builds, month close, retention, and delivery.
//
// Every worker implements Ticker and is driven by a Runner goroutine on a
// fixed interval. Workers never hold a commit lock across external I/O;
// external calls happen first, row updates after.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/settld-labs/settld/pkg/metrics"
)

// Ticker is one background worker. Tick processes up to max units of work
// and reports how many it handled. Returning (0, nil) means idle.
type Ticker interface {
	Name() string
	Tick(ctx context.Context, max int) (int, error)
}

type entry struct {
	ticker Ticker
	every  time.Duration
	max    int
}

// Runner drives a set of workers, each on its own loop goroutine.
type Runner struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	entries []entry
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewRunner(log *slog.Logger, m *metrics.Metrics) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		log:     log.With("component", "workers"),
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Add registers a worker to run every interval, processing at most max
// items per tick. Must be called before Start.
func (r *Runner) Add(t Ticker, every time.Duration, max int) {
	if every <= 0 {
		every = time.Second
	}
	if max <= 0 {
		max = 1
	}
	r.entries = append(r.entries, entry{ticker: t, every: every, max: max})
}

// Start launches one goroutine per registered worker. Loops exit when ctx
// is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	for _, e := range r.entries {
		r.wg.Add(1)
		go r.loop(ctx, e)
	}
}

// Stop signals every loop to finish its current tick and waits for all of
// them. No new work is claimed after Stop returns.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, e entry) {
	defer r.wg.Done()
	ticker := time.NewTicker(e.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx, e)
		}
	}
}

func (r *Runner) tick(ctx context.Context, e entry) {
	name := e.ticker.Name()
	n, err := e.ticker.Tick(ctx, e.max)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		r.log.Error("worker tick failed", "worker", name, "error", err)
	case n == 0:
		outcome = "idle"
	default:
		r.log.Debug("worker tick", "worker", name, "processed", n)
	}
	if r.metrics != nil {
		r.metrics.WorkerTicks.WithLabelValues(name, outcome).Inc()
		if n > 0 {
			r.metrics.WorkerMessages.WithLabelValues(name).Add(float64(n))
		}
	}
}
