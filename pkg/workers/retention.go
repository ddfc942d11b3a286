package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/metrics"
	"github.com/settld-labs/settld/pkg/store"
)

// RetentionLockKey is the advisory lock serializing retention runs across
// processes sharing one database.
const RetentionLockKey int64 = 0x7265746e // "retn"

// ErrMaintenanceRunning reports that another process holds the retention lock.
var ErrMaintenanceRunning = errors.New("maintenance already running")

// Default row ages before the janitor purges. Ingest records only back the
// dedupe window; deliveries and receipts stay as an audit trail.
const (
	DefaultIngestRetention   = 30 * 24 * time.Hour
	DefaultDeliveryRetention = 90 * 24 * time.Hour
)

// RetentionTTLs sets per-kind row ages. Zero fields use the defaults.
type RetentionTTLs struct {
	IngestRecords    time.Duration
	Deliveries       time.Duration
	DeliveryReceipts time.Duration
}

func (t RetentionTTLs) withDefaults() RetentionTTLs {
	if t.IngestRecords <= 0 {
		t.IngestRecords = DefaultIngestRetention
	}
	if t.Deliveries <= 0 {
		t.Deliveries = DefaultDeliveryRetention
	}
	if t.DeliveryReceipts <= 0 {
		t.DeliveryReceipts = DefaultDeliveryRetention
	}
	return t
}

// RetentionCleanup purges expired dedupe and delivery rows in batches. One
// run holds the advisory lock end to end; each kind's purge is its own
// transaction, so an interrupted run leaves nothing half-deleted.
type RetentionCleanup struct {
	store   store.Maintenance
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
	ttls    RetentionTTLs
}

func NewRetentionCleanup(s store.Maintenance, m *metrics.Metrics, log *slog.Logger, now func() time.Time, ttls RetentionTTLs) *RetentionCleanup {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &RetentionCleanup{
		store:   s,
		metrics: m,
		log:     log.With("component", "retention"),
		now:     now,
		ttls:    ttls.withDefaults(),
	}
}

func (w *RetentionCleanup) Name() string { return "retention" }

// Tick runs one purge pass. Lock contention counts as an idle tick; only
// the explicit Run surface treats it as an error.
func (w *RetentionCleanup) Tick(ctx context.Context, max int) (int, error) {
	n, err := w.Run(ctx, max)
	if errors.Is(err, ErrMaintenanceRunning) {
		w.log.Debug("retention already running elsewhere")
		return 0, nil
	}
	return int(n), err
}

// Run purges up to max rows per kind under the advisory lock.
func (w *RetentionCleanup) Run(ctx context.Context, max int) (int64, error) {
	release, ok, err := w.store.TryAdvisoryLock(ctx, RetentionLockKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrMaintenanceRunning
	}
	defer release()

	now := w.now()
	var total int64
	for _, p := range []struct {
		kind store.PurgeKind
		ttl  time.Duration
	}{
		{store.PurgeIngestRecords, w.ttls.IngestRecords},
		{store.PurgeDeliveries, w.ttls.Deliveries},
		{store.PurgeDeliveryReceipts, w.ttls.DeliveryReceipts},
	} {
		purged, err := w.store.PurgeExpired(ctx, p.kind, events.FormatTime(now.Add(-p.ttl)), max)
		if err != nil {
			w.countRun("error")
			return total, err
		}
		if purged > 0 {
			w.countPurged(p.kind, purged)
			w.log.Info("retention purged", "kind", string(p.kind), "rows", purged)
		}
		total += purged
	}
	w.countRun("ok")
	return total, nil
}

func (w *RetentionCleanup) countRun(outcome string) {
	if w.metrics == nil {
		return
	}
	w.metrics.MaintenanceRuns.WithLabelValues("retention", outcome).Inc()
}

func (w *RetentionCleanup) countPurged(kind store.PurgeKind, n int64) {
	if w.metrics == nil {
		return
	}
	w.metrics.RetentionPurged.WithLabelValues(string(kind)).Add(float64(n))
}
