package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/finance"
	"github.com/settld-labs/settld/pkg/metrics"
	"github.com/settld-labs/settld/pkg/objectstore"
	"github.com/settld-labs/settld/pkg/store"
)

type monthCloseStore interface {
	store.Committer
	store.StreamReader
	store.ProjectionReader
	store.OutboxQueue
	store.ArtifactIndex
	store.DeliveryQueue
	store.FinanceRows
}

// MonthCloser runs the accounting close for one tenant month: it gates on
// open holds per the tenant's hold policy, aggregates settled jobs into the
// monthly statement, party statements, and GL batch, publishes the close
// artifacts, and appends MONTH_CLOSED. A close that cannot run, because
// holds block it or the account map is incomplete under the strict gate,
// fails the message and retries on the outbox schedule.
type MonthCloser struct {
	store    monthCloseStore
	registry *artifacts.Registry
	blobs    objectstore.Store
	dests    map[string][]delivery.Destination
	accounts map[string]finance.AccountMap
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewMonthCloser builds the month-close worker. accounts maps tenant ids to
// their GL account maps; blobs stores the finance pack archive.
func NewMonthCloser(s monthCloseStore, registry *artifacts.Registry, blobs objectstore.Store,
	dests map[string][]delivery.Destination, accounts map[string]finance.AccountMap,
	m *metrics.Metrics, log *slog.Logger, now func() time.Time) *MonthCloser {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &MonthCloser{
		store:    s,
		registry: registry,
		blobs:    blobs,
		dests:    dests,
		accounts: accounts,
		metrics:  m,
		log:      log.With("component", "month_close"),
		now:      now,
	}
}

func (m *MonthCloser) Name() string { return "month_close" }

func (m *MonthCloser) Tick(ctx context.Context, max int) (int, error) {
	msgs, err := m.store.ClaimOutbox(ctx, store.TopicMonthClose, max, m.Name())
	if err != nil {
		return 0, err
	}
	var done, failed []int64
	var firstErr error
	for i := range msgs {
		if err := m.handle(ctx, &msgs[i]); err != nil {
			failed = append(failed, msgs[i].ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done = append(done, msgs[i].ID)
	}
	if len(done) > 0 {
		if err := m.store.MarkOutboxProcessed(ctx, done); err != nil {
			return len(done), err
		}
	}
	if len(failed) > 0 {
		if err := m.store.MarkOutboxFailed(ctx, failed, firstErr.Error()); err != nil {
			return len(done), err
		}
	}
	return len(done), firstErr
}

func (m *MonthCloser) handle(ctx context.Context, msg *store.OutboxMessage) error {
	var req store.MonthCloseRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return err
	}
	if !domain.ValidMonth(req.Month) {
		return fmt.Errorf("invalid month key %q", req.Month)
	}
	if req.Basis != domain.BasisAccrual && req.Basis != domain.BasisCash {
		return fmt.Errorf("invalid basis %q", req.Basis)
	}

	streamID := domain.MonthStreamID(req.Month, req.Basis)
	monthEvs, err := m.store.Events(ctx, req.TenantID, streamID)
	if err != nil {
		return err
	}
	monthState, err := domain.ReduceMonthClose(monthEvs)
	if err != nil {
		return err
	}
	if monthState.Closed {
		return nil
	}

	period, err := finance.MonthPeriod(req.Month)
	if err != nil {
		return err
	}
	// Policy settings are effective-dated to the period end, so a mid-month
	// override governs the close of the month it lands in.
	settings, err := store.TenantSettings(ctx, m.store, req.TenantID, period.EndAt)
	if err != nil {
		return err
	}

	lines, holds, err := m.collect(ctx, req.TenantID)
	if err != nil {
		return err
	}

	gate, err := finance.EvaluateHoldGate(settings.MonthCloseHoldPolicy, req.Month, holds)
	if err != nil {
		return err
	}
	if gate.Blocked() {
		m.countBlocked("open_holds")
		m.log.Warn("month close blocked by open holds",
			"tenant", req.TenantID, "month", req.Month, "basis", req.Basis,
			"policy", gate.Policy, "holds", gate.BlockingHolds)
		return fmt.Errorf("%d open holds block close of %s under %s", len(gate.BlockingHolds), req.Month, gate.Policy)
	}

	generatedAt := events.FormatTime(m.now())
	statement, err := finance.BuildMonthlyStatement(req.Month, req.Basis, lines, holds, generatedAt)
	if err != nil {
		return err
	}
	parties, err := finance.BuildPartyStatements(req.Month, req.Basis, lines)
	if err != nil {
		return err
	}
	batch, err := finance.BuildGLBatch(req.Month, req.Basis, lines, m.accounts[req.TenantID], gateMode(settings.AccountMapMode))
	if err != nil {
		var missing *finance.MissingAccountError
		if errors.As(err, &missing) {
			m.countBlocked("account_map")
			m.log.Warn("month close blocked by account map",
				"tenant", req.TenantID, "month", req.Month, "role", missing.Role)
		}
		return err
	}

	stmtEnv, err := artifacts.New(req.TenantID, artifacts.TypeMonthlyCloseStatement, statement, nil, m.now())
	if err != nil {
		return err
	}
	stmtRef, err := m.registry.Put(ctx, stmtEnv)
	if err != nil {
		return err
	}

	pack, err := finance.BuildFinancePack(statement, parties, batch)
	if err != nil {
		return err
	}
	zipRef, err := m.blobs.Put(ctx, pack.Zip)
	if err != nil {
		return err
	}
	packPayload := pack.Payload
	packPayload.ZipRef = zipRef
	packEnv, err := artifacts.New(req.TenantID, artifacts.TypeFinancePackBundle, packPayload, nil, m.now())
	if err != nil {
		return err
	}
	packRef, err := m.registry.Put(ctx, packEnv)
	if err != nil {
		return err
	}

	for _, pub := range []struct {
		env *artifacts.Envelope
		ref string
	}{{stmtEnv, stmtRef}, {packEnv, packRef}} {
		if err := m.store.PutArtifact(ctx, &store.ArtifactRow{
			TenantID:     req.TenantID,
			ArtifactID:   pub.env.ArtifactID,
			ArtifactType: pub.env.ArtifactType,
			ArtifactHash: pub.env.ArtifactHash,
			Ref:          pub.ref,
			CreatedAt:    pub.env.CreatedAt,
		}); err != nil {
			return err
		}
	}
	if err := m.store.PutPartyStatements(ctx, req.TenantID, req.Month, req.Basis, parties); err != nil {
		return err
	}
	if err := m.enqueueDeliveries(ctx, req, stmtEnv, packEnv); err != nil {
		return err
	}

	actor := events.Actor{Type: events.ActorFinance, ID: "month_close"}
	closed, err := events.New(streamID, domain.EvMonthClosed, actor, domain.MonthClosedPayload{
		Month:               req.Month,
		Basis:               req.Basis,
		HoldPolicy:          settings.MonthCloseHoldPolicy,
		StatementArtifactID: stmtEnv.ArtifactID,
		StatementHash:       stmtEnv.ArtifactHash,
		ProofRoot:           pack.Proof.MerkleRoot,
		Disclosures:         gate.Disclosures,
	}, events.HeadHash(monthEvs), m.now())
	if err != nil {
		return err
	}
	appendOp, err := store.AppendMonthEvents(closed)
	if err != nil {
		return err
	}
	if err := m.store.CommitTx(ctx, req.TenantID, []store.Op{appendOp}); err != nil {
		return err
	}

	m.log.Info("month closed",
		"tenant", req.TenantID, "month", req.Month, "basis", req.Basis,
		"jobs", statement.JobsSettled, "netCents", statement.NetAmountCents,
		"openHolds", statement.Rollforward.OpenHoldCount, "disclosures", len(gate.Disclosures),
		"statement", stmtEnv.ArtifactID, "pack", packEnv.ArtifactID)
	return nil
}

// collect flattens the tenant's jobs into settlement lines and hold
// records. Lines come from settled jobs; holds from every completion,
// whether still open, released by settlement, or forfeited.
func (m *MonthCloser) collect(ctx context.Context, tenantID string) ([]finance.SettlementLine, []finance.HoldRecord, error) {
	rows, err := m.store.ListAggregates(ctx, tenantID, domain.AggregateJob,
		string(domain.JobCompleted), string(domain.JobSettled))
	if err != nil {
		return nil, nil, err
	}
	var lines []finance.SettlementLine
	var holds []finance.HoldRecord
	for i := range rows {
		job, err := store.DecodeState[domain.Job](&rows[i])
		if err != nil {
			return nil, nil, err
		}
		if job.CompletedAt == "" {
			continue
		}
		holds = append(holds, finance.HoldRecord{
			HoldID:      domain.DeriveHoldID(job.CompletionChainHash, job.CustomerPolicyHash),
			JobID:       job.ID,
			AmountCents: job.AmountCents,
			Currency:    job.Currency,
			HeldAt:      job.CompletedAt,
			ReleasedAt:  job.SettledAt,
			ForfeitedAt: job.ForfeitedAt,
		})
		if job.Status != domain.JobSettled {
			continue
		}
		var claimsPaid int64
		for _, c := range job.Claims {
			if c.Status == "approved" {
				claimsPaid += c.AmountCents
			}
		}
		lines = append(lines, finance.SettlementLine{
			JobID:               job.ID,
			RequesterID:         job.RequesterID,
			OperatorID:          job.OperatorID,
			RobotID:             job.RobotID,
			Currency:            job.Currency,
			BookedAmountCents:   job.AmountCents,
			ReleasedAmountCents: job.SettledAmountCents,
			RefundedAmountCents: job.AmountCents - job.SettledAmountCents,
			OperatorCostCents:   job.OperatorCostCents,
			SLACreditCents:      job.SLACreditCents,
			ClaimsPaidCents:     claimsPaid,
			SettledAt:           job.SettledAt,
		})
	}
	return lines, holds, nil
}

func (m *MonthCloser) enqueueDeliveries(ctx context.Context, req store.MonthCloseRequest, envs ...*artifacts.Envelope) error {
	scope := req.Month + ":" + req.Basis
	var ds []delivery.Delivery
	for seq, env := range envs {
		for i := range m.dests[req.TenantID] {
			dest := &m.dests[req.TenantID][i]
			if !dest.Accepts(env.ArtifactType) {
				continue
			}
			d, err := delivery.NewDelivery(req.TenantID, "dlv_"+uuid.NewString(), dest,
				env.ArtifactType, env.ArtifactID, env.ArtifactHash, scope, int64(seq+1), 0, m.now())
			if err != nil {
				return err
			}
			ds = append(ds, *d)
		}
	}
	if len(ds) == 0 {
		return nil
	}
	_, err := m.store.PutDeliveries(ctx, ds)
	return err
}

func (m *MonthCloser) countBlocked(reason string) {
	if m.metrics == nil {
		return
	}
	m.metrics.MonthCloseBlocked.WithLabelValues(reason).Inc()
}

// gateMode maps the governance account-map mode onto the GL builder's gate.
func gateMode(mode string) string {
	if mode == domain.AccountMapWarn {
		return finance.GateWarn
	}
	return finance.GateStrict
}
