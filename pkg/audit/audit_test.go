package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/audit"
	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

var auditAt = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

func auditClock() func() time.Time {
	return func() time.Time { return auditAt }
}

func TestRecorder_RowFromContext(t *testing.T) {
	rec := audit.NewRecorder(auditClock())
	ctx := auth.WithPrincipal(context.Background(), &auth.Principal{
		Kind: auth.KindUser, ID: "ops_user_1", TenantID: "t1",
	})
	ctx = auth.WithRequestID(ctx, "req_42")

	row := rec.Row(ctx, "t1", audit.ActionContractPut, "contract:c_1", map[string]string{"hash": "abc"})
	assert.Equal(t, "t1", row.TenantID)
	assert.Equal(t, events.FormatTime(auditAt), row.At)
	assert.Equal(t, "user:ops_user_1", row.Actor)
	assert.Equal(t, audit.ActionContractPut, row.Action)
	assert.Equal(t, "contract:c_1", row.Resource)
	assert.Equal(t, "req_42", row.RequestID)
	assert.JSONEq(t, `{"hash":"abc"}`, string(row.Detail))
}

func TestRecorder_AnonymousIsSystem(t *testing.T) {
	rec := audit.NewRecorder(auditClock())
	row := rec.Row(context.Background(), "t1", audit.ActionMaintenanceRun, "maintenance", nil)
	assert.Equal(t, audit.SystemActor, row.Actor)
	assert.Empty(t, row.RequestID)
	assert.Nil(t, row.Detail)
}

func TestExporter_GeneratePack(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := audit.NewRecorder(auditClock())

	actorCtx := auth.WithPrincipal(ctx, &auth.Principal{Kind: auth.KindUser, ID: "u_1", TenantID: "t1"})
	require.NoError(t, st.CommitTx(ctx, "t1", nil,
		rec.Row(actorCtx, "t1", audit.ActionSignerKeyRegister, "signer_key:srv_1", nil)))
	require.NoError(t, st.CommitTx(ctx, "t1", nil,
		rec.Row(actorCtx, "t1", audit.ActionMonthClose, "month:2026-02", nil)))
	// A different tenant's rows never leak into the pack.
	require.NoError(t, st.CommitTx(ctx, "t2", nil,
		rec.Row(actorCtx, "t2", audit.ActionMonthClose, "month:2026-02", nil)))

	exp := audit.NewExporter(st, auditClock())
	pack, checksum, err := exp.GeneratePack(ctx, "t1", 0)
	require.NoError(t, err)

	sum := sha256.Sum256(pack)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = body
	}
	require.Contains(t, files, "audit.json")
	require.Contains(t, files, "manifest.json")
	require.Contains(t, files, "README.txt")

	var rows []store.AuditRecord
	require.NoError(t, json.Unmarshal(files["audit.json"], &rows))
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "t1", r.TenantID)
	}

	var manifest struct {
		TenantID string `json:"tenantId"`
		RowCount int    `json:"rowCount"`
	}
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.Equal(t, "t1", manifest.TenantID)
	assert.Equal(t, 2, manifest.RowCount)
}

func TestExporter_RejectsEmptyTenant(t *testing.T) {
	exp := audit.NewExporter(store.NewMemory(), auditClock())
	_, _, err := exp.GeneratePack(context.Background(), "", 0)
	assert.ErrorIs(t, err, audit.ErrEmptyTenantID)
}
