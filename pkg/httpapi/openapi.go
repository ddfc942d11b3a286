package httpapi

import "net/http"

// handleOpenAPI serves a machine-readable sketch of the surface: paths,
// auth, and the error envelope. Full request/response schemas live in the
// client SDKs; this document exists so gateways can route and mock.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, openAPIDoc(s.build))
}

func openAPIDoc(build string) map[string]any {
	op := func(summary string) map[string]any {
		return map[string]any{"summary": summary, "responses": map[string]any{
			"default": map[string]any{"$ref": "#/components/responses/Envelope"},
		}}
	}
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "Settld API",
			"version": ProtocolCurrent,
			"x-build": build,
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"bearer":   map[string]any{"type": "http", "scheme": "bearer"},
				"agentSig": map[string]any{"type": "apiKey", "in": "header", "name": "x-agent-signature"},
			},
			"responses": map[string]any{
				"Envelope": map[string]any{
					"description": "JSON body; errors carry {error, code, details?}",
				},
			},
		},
		"paths": map[string]any{
			"/healthz":                                op("Liveness and store probe"),
			"/capabilities":                           op("Protocol window and features"),
			"/metrics":                                op("Prometheus metrics"),
			"/ingest/proxy":                           op("Batch ingest of buffered signed events"),
			"/jobs":                                   op("Create and list jobs"),
			"/jobs/{id}":                              op("Job state"),
			"/jobs/{id}/events":                       op("Read or append job events"),
			"/jobs/{id}/quote":                        op("Quote a job"),
			"/jobs/{id}/book":                         op("Book a quoted job"),
			"/jobs/{id}/dispatch":                     op("Enqueue dispatch"),
			"/jobs/{id}/reschedule":                   op("Reschedule a booking"),
			"/jobs/{id}/cancel":                       op("Cancel a job"),
			"/jobs/{id}/abort":                        op("Abort an executing job"),
			"/jobs/{id}/settle":                       op("Settle a completed job"),
			"/jobs/{id}/sla-credit":                   op("Issue an SLA credit"),
			"/jobs/{id}/dispute/open":                 op("Open a job dispute"),
			"/jobs/{id}/dispute/close":                op("Close a job dispute"),
			"/jobs/{id}/evidence/{evidenceId}/presign": op("Presign an evidence download"),
			"/evidence/download":                      op("Download presigned evidence"),
			"/robots/register":                        op("Register a robot"),
			"/robots/{id}":                            op("Robot state"),
			"/robots/{id}/events":                     op("Append robot-signed events"),
			"/robots/{id}/availability":               op("Set robot availability"),
			"/robots/{id}/status":                     op("Set robot status"),
			"/operators/register":                     op("Register an operator"),
			"/operators/{id}":                         op("Operator state"),
			"/operators/{id}/shifts":                  op("Add an operator shift"),
			"/operators/{id}/status":                  op("Set operator status"),
			"/agents/register":                        op("Register an agent auth key"),
			"/agents/{id}/wallet":                     op("Wallet balance"),
			"/agents/{id}/wallet/credit":              op("Credit a wallet"),
			"/agents/{id}/runs":                       op("Open an agent run with escrow lock"),
			"/agents/{id}/runs/{runId}":               op("Run state"),
			"/agents/{id}/runs/{runId}/events":        op("Append agent-signed run events"),
			"/marketplace/tasks":                      op("Post and list tasks"),
			"/marketplace/tasks/{id}":                 op("Task state"),
			"/marketplace/tasks/{id}/cancel":          op("Cancel a task"),
			"/marketplace/tasks/{id}/bids":            op("Submit a bid"),
			"/marketplace/tasks/{id}/bids/{bidId}/counter":        op("Counter a bid"),
			"/marketplace/tasks/{id}/bids/{bidId}/accept-counter": op("Accept a counter"),
			"/marketplace/tasks/{id}/bids/{bidId}/withdraw":       op("Withdraw a bid"),
			"/marketplace/tasks/{id}/bids/{bidId}/accept":         op("Accept a bid, opening a run"),
			"/marketplace/settlement-policies":                    op("Register and list settlement policies"),
			"/marketplace/settlement-policies/{policyId}":         op("Settlement policy document"),
			"/runs/{id}/settlement":                  op("Run settlement state"),
			"/runs/{id}/settlement/resolve":          op("Resolve a run settlement"),
			"/runs/{id}/dispute/open":                op("Open a run dispute"),
			"/runs/{id}/dispute/evidence":            op("Attach dispute evidence"),
			"/runs/{id}/dispute/escalate":            op("Escalate to an arbiter"),
			"/runs/{id}/dispute/close":               op("Close with a signed verdict"),
			"/runs/{id}/agreement/change-order":      op("Renegotiate the agreed amount"),
			"/runs/{id}/agreement/cancel":            op("Cancel with a kill fee"),
			"/ops/maintenance/run":                   op("Run the retention janitor"),
			"/ops/outbox":                            op("Outbox depth"),
			"/ops/contracts":                         op("Draft and list contracts"),
			"/ops/contracts/{id}":                    op("Contract state"),
			"/ops/contracts/{id}/publish":            op("Freeze a contract document"),
			"/ops/contracts/{id}/sign":               op("Collect a party signature"),
			"/ops/contracts/{id}/activate":           op("Compile and activate"),
			"/ops/contracts/{id}/retire":             op("Retire an active contract"),
			"/ops/signer-keys":                       op("Register and list signer keys"),
			"/ops/signer-keys/{keyId}/revoke":        op("Revoke a signer key"),
			"/ops/deliveries":                        op("List artifact deliveries"),
			"/ops/deliveries/{id}/requeue":           op("Requeue a dead delivery"),
			"/ops/month-close":                       op("Request a month close"),
			"/ops/month-close/reopen":                op("Reopen a closed month"),
			"/ops/reimbursements":                    op("Decide a pending claim"),
			"/ops/audit":                             op("Audit trail"),
			"/ops/exports/audit":                     op("Audit pack download"),
			"/ops/exports/party-statements":          op("Party statements for a closed month"),
			"/ops/governance/events":                 op("Append a governance event"),
			"/ops/governance":                        op("Governance state and effective settings"),
			"/exports/ack":                           op("Destination delivery ack"),
		},
	}
}
