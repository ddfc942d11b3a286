package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

// OpsNotification is the body posted to the ops webhook. Kind carries the
// topic that raised it, so one endpoint can route stalls and dispatch
// failures differently.
type OpsNotification struct {
	Kind      string `json:"kind"`
	TenantID  string `json:"tenantId"`
	JobID     string `json:"jobId"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	ChainHash string `json:"chainHash,omitempty"`
	At        string `json:"at"`
}

// OpsWebhook configures where operator notifications land. An empty URL turns
// the notifier into a consume-only drain, so the ops topics never back up on
// installs that route alerts elsewhere.
type OpsWebhook struct {
	URL     string
	Secret  string
	Client  *http.Client
	Checker *delivery.URLChecker
}

// opsTopics lists the topics the notifier owns, drained in this order.
var opsTopics = []string{store.TopicNotifyOps, store.TopicNotifyOpsDispatch}

// OpsNotifier pushes operator alerts raised by other workers to a single
// webhook, signed the same way artifact deliveries are. Delivery is
// at-least-once: a failed post leaves the message on the outbox for the next
// tick, and receivers dedupe on the delivery id header.
type OpsNotifier struct {
	store   store.OutboxQueue
	hook    OpsWebhook
	client  *http.Client
	checker *delivery.URLChecker
	log     *slog.Logger
	now     func() time.Time
}

func NewOpsNotifier(s store.OutboxQueue, hook OpsWebhook, log *slog.Logger, now func() time.Time) *OpsNotifier {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	client := hook.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultDeliveryTimeout}
	}
	checker := hook.Checker
	if checker == nil {
		checker = &delivery.URLChecker{}
	}
	return &OpsNotifier{
		store:   s,
		hook:    hook,
		client:  client,
		checker: checker,
		log:     log.With("component", "ops_notify"),
		now:     now,
	}
}

func (o *OpsNotifier) Name() string { return "ops_notify" }

func (o *OpsNotifier) Tick(ctx context.Context, max int) (int, error) {
	processed := 0
	var firstErr error
	for _, topic := range opsTopics {
		if processed >= max {
			break
		}
		n, err := o.drain(ctx, topic, max-processed)
		processed += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return processed, firstErr
}

func (o *OpsNotifier) drain(ctx context.Context, topic string, max int) (int, error) {
	msgs, err := o.store.ClaimOutbox(ctx, topic, max, o.Name())
	if err != nil {
		return 0, err
	}
	var done, failed []int64
	var firstErr error
	for i := range msgs {
		if err := o.notify(ctx, topic, &msgs[i]); err != nil {
			failed = append(failed, msgs[i].ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done = append(done, msgs[i].ID)
	}
	if len(done) > 0 {
		if err := o.store.MarkOutboxProcessed(ctx, done); err != nil {
			return len(done), err
		}
	}
	if len(failed) > 0 {
		if err := o.store.MarkOutboxFailed(ctx, failed, firstErr.Error()); err != nil {
			return len(done), err
		}
	}
	return len(done), firstErr
}

func (o *OpsNotifier) notify(ctx context.Context, topic string, msg *store.OutboxMessage) error {
	var trig store.TriggerMessage
	if err := json.Unmarshal(msg.Payload, &trig); err != nil {
		return err
	}
	if o.hook.URL == "" {
		o.log.Info("ops notification unrouted",
			"kind", topic, "tenant", trig.TenantID, "job", trig.JobID)
		return nil
	}
	if err := o.checker.Check(ctx, o.hook.URL); err != nil {
		return err
	}

	body, err := json.Marshal(OpsNotification{
		Kind:      topic,
		TenantID:  trig.TenantID,
		JobID:     trig.JobID,
		EventID:   trig.EventID,
		EventType: trig.EventType,
		ChainHash: trig.ChainHash,
		At:        events.FormatTime(o.now()),
	})
	if err != nil {
		return err
	}
	ts := delivery.Timestamp(o.now())
	sig, err := delivery.SignBody(o.hook.Secret, ts, body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(delivery.HeaderSignature, sig)
	req.Header.Set(delivery.HeaderTimestamp, ts)
	// The outbox id survives redelivery, so it doubles as the dedupe key.
	req.Header.Set(delivery.HeaderDelivery, "ops_"+strconv.FormatInt(msg.ID, 10))

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ops webhook returned %d", resp.StatusCode)
	}
	o.log.Info("ops notified", "kind", topic, "tenant", trig.TenantID, "job", trig.JobID)
	return nil
}
