package workers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/metrics"
	"github.com/settld-labs/settld/pkg/objectstore"
	"github.com/settld-labs/settld/pkg/store"
)

// DefaultDeliveryTimeout bounds one webhook POST or S3 put.
const DefaultDeliveryTimeout = 10 * time.Second

// ObjectPutter pushes artifact bytes into customer buckets at explicit keys.
// *objectstore.S3Store satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

type deliveryWorkerStore interface {
	store.DeliveryQueue
	store.ArtifactIndex
}

// DeliveryConfig tunes the worker. Zero values use defaults; tests inject a
// permissive URL checker to reach loopback servers.
type DeliveryConfig struct {
	Client  *http.Client
	Checker *delivery.URLChecker
	Backoff delivery.BackoffPolicy
}

// DeliveryWorker ships artifacts to tenant destinations. Rows are claimed in
// order key sequence; the external call always lands before the row update,
// so a crash re-sends rather than losing a delivery. Receivers dedupe on the
// delivery id header.
type DeliveryWorker struct {
	store   deliveryWorkerStore
	blobs   objectstore.Store
	dests   map[string][]delivery.Destination
	s3      ObjectPutter
	client  *http.Client
	checker *delivery.URLChecker
	backoff delivery.BackoffPolicy
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewDeliveryWorker(s deliveryWorkerStore, blobs objectstore.Store, dests map[string][]delivery.Destination,
	s3 ObjectPutter, cfg DeliveryConfig, m *metrics.Metrics, log *slog.Logger, now func() time.Time) *DeliveryWorker {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultDeliveryTimeout}
	}
	if cfg.Checker == nil {
		cfg.Checker = &delivery.URLChecker{}
	}
	if cfg.Backoff == (delivery.BackoffPolicy{}) {
		cfg.Backoff = delivery.DefaultBackoff()
	}
	return &DeliveryWorker{
		store:   s,
		blobs:   blobs,
		dests:   dests,
		s3:      s3,
		client:  cfg.Client,
		checker: cfg.Checker,
		backoff: cfg.Backoff,
		metrics: m,
		log:     log.With("component", "delivery"),
		now:     now,
	}
}

func (w *DeliveryWorker) Name() string { return "delivery" }

func (w *DeliveryWorker) Tick(ctx context.Context, max int) (int, error) {
	due, err := w.store.ClaimDeliveries(ctx, max, events.FormatTime(w.now()))
	if err != nil {
		return 0, err
	}
	handled := 0
	var firstErr error
	for i := range due {
		if err := w.attempt(ctx, &due[i]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		handled++
	}
	return handled, firstErr
}

// attempt pushes one delivery and records the outcome on its row. A refused
// or failed push is still a handled row; only store errors surface.
func (w *DeliveryWorker) attempt(ctx context.Context, d *delivery.Delivery) error {
	dest := w.destination(d.TenantID, d.DestinationID)
	if dest == nil {
		return w.bury(ctx, d, "unknown", fmt.Sprintf("destination %s not configured", d.DestinationID))
	}
	body, err := w.loadBody(ctx, d)
	if err != nil {
		return w.bury(ctx, d, dest.Kind, err.Error())
	}

	if pushErr := w.push(ctx, dest, d, body); pushErr != nil {
		return w.recordFailure(ctx, dest.Kind, d, pushErr)
	}

	d.State = delivery.StateAcked
	d.Attempts++
	d.LastError = ""
	d.NextAttemptAt = ""
	d.UpdatedAt = events.FormatTime(w.now())
	if err := w.store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	w.countAttempt(dest.Kind, "ok")
	w.log.Info("artifact delivered",
		"tenant", d.TenantID, "delivery", d.ID, "destination", d.DestinationID,
		"kind", dest.Kind, "artifact", d.ArtifactID, "attempts", d.Attempts)
	return nil
}

func (w *DeliveryWorker) destination(tenantID, destinationID string) *delivery.Destination {
	for i := range w.dests[tenantID] {
		if w.dests[tenantID][i].DestinationID == destinationID {
			return &w.dests[tenantID][i]
		}
	}
	return nil
}

// loadBody resolves the artifact row and fetches the sealed envelope bytes.
// The blob is content addressed, so what we fetch is byte for byte what the
// builder stored and the hash on the row still vouches for it.
func (w *DeliveryWorker) loadBody(ctx context.Context, d *delivery.Delivery) ([]byte, error) {
	row, err := w.store.Artifact(ctx, d.TenantID, d.ArtifactID)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", d.ArtifactID, err)
	}
	if row.ArtifactHash != d.ArtifactHash {
		return nil, fmt.Errorf("artifact %s hash drifted: row %s, delivery %s", d.ArtifactID, row.ArtifactHash, d.ArtifactHash)
	}
	return w.blobs.Get(ctx, row.Ref)
}

func (w *DeliveryWorker) push(ctx context.Context, dest *delivery.Destination, d *delivery.Delivery, body []byte) error {
	switch dest.Kind {
	case delivery.DestinationWebhook:
		return w.pushWebhook(ctx, dest, d, body)
	case delivery.DestinationS3:
		if w.s3 == nil {
			return fmt.Errorf("s3 destinations not configured")
		}
		return w.s3.PutObject(ctx, dest.Bucket, delivery.S3Key(dest, d), body, "application/json")
	default:
		return fmt.Errorf("unknown destination kind %q", dest.Kind)
	}
}

func (w *DeliveryWorker) pushWebhook(ctx context.Context, dest *delivery.Destination, d *delivery.Delivery, body []byte) error {
	if err := w.checker.Check(ctx, dest.URL); err != nil {
		return err
	}
	ts := delivery.Timestamp(w.now())
	sig, err := delivery.SignBody(dest.Secret, ts, body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(delivery.HeaderSignature, sig)
	req.Header.Set(delivery.HeaderTimestamp, ts)
	req.Header.Set(delivery.HeaderDelivery, d.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("destination returned %d", resp.StatusCode)
	}
	return nil
}

// recordFailure schedules the retry or moves the row to the DLQ once the
// backoff is exhausted.
func (w *DeliveryWorker) recordFailure(ctx context.Context, kind string, d *delivery.Delivery, pushErr error) error {
	d.Attempts++
	d.LastError = pushErr.Error()
	d.UpdatedAt = events.FormatTime(w.now())
	if w.backoff.Exhausted(d.Attempts) {
		d.State = delivery.StateFailed
		d.NextAttemptAt = ""
		if err := w.store.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		w.countAttempt(kind, "dead")
		w.log.Error("delivery dead lettered",
			"tenant", d.TenantID, "delivery", d.ID, "destination", d.DestinationID,
			"attempts", d.Attempts, "error", pushErr)
		return nil
	}
	d.NextAttemptAt = events.FormatTime(w.backoff.NextAttemptAt(d.ID, d.Attempts-1, w.now()))
	if err := w.store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	w.countAttempt(kind, "error")
	w.log.Warn("delivery attempt failed",
		"tenant", d.TenantID, "delivery", d.ID, "destination", d.DestinationID,
		"attempt", d.Attempts, "nextAttemptAt", d.NextAttemptAt, "error", pushErr)
	return nil
}

// bury fails a row outright for conditions no retry can fix.
func (w *DeliveryWorker) bury(ctx context.Context, d *delivery.Delivery, kind, reason string) error {
	d.State = delivery.StateFailed
	d.Attempts++
	d.LastError = reason
	d.NextAttemptAt = ""
	d.UpdatedAt = events.FormatTime(w.now())
	if err := w.store.UpdateDelivery(ctx, d); err != nil {
		return err
	}
	w.countAttempt(kind, "dead")
	w.log.Error("delivery buried", "tenant", d.TenantID, "delivery", d.ID, "reason", reason)
	return nil
}

func (w *DeliveryWorker) countAttempt(kind, outcome string) {
	if w.metrics == nil {
		return
	}
	w.metrics.DeliveryAttempts.WithLabelValues(kind, outcome).Inc()
}
