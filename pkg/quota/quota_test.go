package quota_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/quota"
)

var quotaAt = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

func quotaClock() func() time.Time {
	return func() time.Time { return quotaAt }
}

func TestMemoryMeter_RecordAndUsage(t *testing.T) {
	m := quota.NewMemoryMeter(quotaClock())
	ctx := context.Background()

	require.NoError(t, m.RecordBatch(ctx, []quota.Event{
		{TenantID: "t1", EventType: quota.EventIngest, Quantity: 3},
		{TenantID: "t1", EventType: quota.EventIngest, Quantity: 2},
		{TenantID: "t1", EventType: quota.EventEvidenceByte, Quantity: 4096},
		{TenantID: "t2", EventType: quota.EventIngest, Quantity: 7},
	}))

	u, err := m.Usage(ctx, "t1", quota.DayOf(quotaAt))
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.Totals[quota.EventIngest])
	assert.Equal(t, int64(4096), u.Totals[quota.EventEvidenceByte])

	// Tenants do not see each other's usage.
	other, err := m.UsageByType(ctx, "t2", quota.EventIngest, quota.DayOf(quotaAt))
	require.NoError(t, err)
	assert.Equal(t, int64(7), other)
}

func TestMemoryMeter_PeriodBounds(t *testing.T) {
	m := quota.NewMemoryMeter(quotaClock())
	ctx := context.Background()

	today := quota.DayOf(quotaAt)
	require.NoError(t, m.Record(ctx, quota.Event{
		TenantID: "t1", EventType: quota.EventIngest, Quantity: 1,
		At: today.Start.Add(-time.Minute),
	}))
	require.NoError(t, m.Record(ctx, quota.Event{
		TenantID: "t1", EventType: quota.EventIngest, Quantity: 10,
		At: quotaAt,
	}))

	used, err := m.UsageByType(ctx, "t1", quota.EventIngest, today)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)
}

func TestMemoryMeter_RejectsInvalidEvents(t *testing.T) {
	m := quota.NewMemoryMeter(nil)
	ctx := context.Background()

	assert.ErrorIs(t, m.Record(ctx, quota.Event{EventType: quota.EventIngest, Quantity: 1}), quota.ErrEmptyTenantID)
	assert.ErrorIs(t, m.Record(ctx, quota.Event{TenantID: "t1", Quantity: 1}), quota.ErrEmptyEventType)
	assert.ErrorIs(t, m.Record(ctx, quota.Event{TenantID: "t1", EventType: quota.EventIngest, Quantity: -1}), quota.ErrNegativeQuantity)
}

func TestDayOf(t *testing.T) {
	p := quota.DayOf(quotaAt)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, 24*time.Hour, p.End.Sub(p.Start))
	assert.True(t, p.Contains(quotaAt))
	assert.False(t, p.Contains(p.End))
}

func TestEnforcer_BlocksAtCeiling(t *testing.T) {
	m := quota.NewMemoryMeter(quotaClock())
	limits := func(string) quota.Limits { return quota.Limits{IngestEventsPerDay: 10} }
	enf := quota.NewEnforcer(m, limits, quotaClock())
	ctx := context.Background()

	require.NoError(t, enf.Check(ctx, "t1", quota.EventIngest, 8))
	require.NoError(t, enf.Count(ctx, "t1", quota.EventIngest, 8))

	// Two more still fit exactly.
	require.NoError(t, enf.Check(ctx, "t1", quota.EventIngest, 2))
	require.NoError(t, enf.Count(ctx, "t1", quota.EventIngest, 2))

	err := enf.Check(ctx, "t1", quota.EventIngest, 1)
	require.Error(t, err)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "TENANT_QUOTA_EXCEEDED", exceeded.Code())
	assert.Equal(t, quota.EventIngest, exceeded.Kind)
	assert.Equal(t, int64(10), exceeded.Limit)
	assert.Equal(t, int64(10), exceeded.Used)

	// A rejected check recorded nothing, so a smaller batch on another
	// kind is unaffected.
	require.NoError(t, enf.Check(ctx, "t1", quota.EventAgentRun, 1))
}

func TestEnforcer_ZeroLimitIsUnlimited(t *testing.T) {
	m := quota.NewMemoryMeter(quotaClock())
	enf := quota.NewEnforcer(m, nil, quotaClock())
	ctx := context.Background()

	require.NoError(t, enf.Count(ctx, "t1", quota.EventIngest, 1_000_000))
	require.NoError(t, enf.Check(ctx, "t1", quota.EventIngest, 1_000_000))
}

func TestEnforcer_WindowResetsNextDay(t *testing.T) {
	at := quotaAt
	clock := func() time.Time { return at }
	m := quota.NewMemoryMeter(clock)
	limits := func(string) quota.Limits { return quota.Limits{AgentRunsPerDay: 1} }
	enf := quota.NewEnforcer(m, limits, clock)
	ctx := context.Background()

	require.NoError(t, enf.Count(ctx, "t1", quota.EventAgentRun, 1))
	require.Error(t, enf.Check(ctx, "t1", quota.EventAgentRun, 1))

	at = at.Add(24 * time.Hour)
	require.NoError(t, enf.Check(ctx, "t1", quota.EventAgentRun, 1))
}

func TestPostgresMeter_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := quota.NewPostgresMeter(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settld_usage_events")).
		WithArgs("t1", "ingest_event", int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, m.Record(ctx, quota.Event{TenantID: "t1", EventType: quota.EventIngest, Quantity: 5}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMeter_UsageByType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := quota.NewPostgresMeter(db)
	ctx := context.Background()
	period := quota.DayOf(quotaAt)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT SUM(quantity)")).
		WithArgs("t1", "evidence_byte", period.Start, period.End).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(8192))

	used, err := m.UsageByType(ctx, "t1", quota.EventEvidenceByte, period)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), used)
	require.NoError(t, mock.ExpectationsWereMet())
}
