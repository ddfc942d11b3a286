// Package audit shapes the ops audit rows that ride commits. Every ops
// HTTP write attaches a row to its CommitTx call, so the mutation and its
// audit trail land in the same transaction or not at all.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

// Actions follow verb.resource naming so the trail reads as a sentence.
const (
	ActionMaintenanceRun    = "run.maintenance"
	ActionContractPut       = "put.contract"
	ActionSignerKeyRegister = "register.signer_key"
	ActionSignerKeyRevoke   = "revoke.signer_key"
	ActionDeliveryRequeue   = "requeue.delivery"
	ActionMonthClose        = "close.month"
	ActionMonthReopen       = "reopen.month"
	ActionReimbursement     = "record.reimbursement"
	ActionGovernancePut     = "put.governance_event"
	ActionPolicyPut         = "put.settlement_policy"
	ActionExportGenerate    = "generate.export"
)

// SystemActor marks rows written outside any authenticated request.
const SystemActor = "system"

// Recorder stamps audit rows with a shared clock so tests can pin time.
type Recorder struct {
	now func() time.Time
}

func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{now: now}
}

// Row builds one audit record from the request context. Actor identity
// comes from the authenticated principal; internal writes fall back to
// the system actor. A detail that fails to marshal is dropped rather
// than blocking the commit.
func (r *Recorder) Row(ctx context.Context, tenantID, action, resource string, detail any) store.AuditRecord {
	actor := SystemActor
	if p := auth.PrincipalFrom(ctx); p != nil {
		actor = string(p.Kind) + ":" + p.ID
	}
	var raw json.RawMessage
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			raw = b
		}
	}
	return store.AuditRecord{
		TenantID:  tenantID,
		At:        events.FormatTime(r.now()),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		RequestID: auth.RequestIDFrom(ctx),
		Detail:    raw,
	}
}
