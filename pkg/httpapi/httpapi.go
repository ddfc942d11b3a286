// Package httpapi is the external JSON surface. Handlers parse and
// authenticate a request, build the events or row mutations it implies,
// validate them against the domain, and hand everything to the committer in
// one transaction; side effects ride the outbox from there. Nothing in this
// package mutates state outside CommitTx.
package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/settld-labs/settld/pkg/audit"
	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/escrow"
	"github.com/settld-labs/settld/pkg/governance"
	"github.com/settld-labs/settld/pkg/metrics"
	"github.com/settld-labs/settld/pkg/objectstore"
	"github.com/settld-labs/settld/pkg/observability"
	"github.com/settld-labs/settld/pkg/quota"
	"github.com/settld-labs/settld/pkg/ratelimit"
	"github.com/settld-labs/settld/pkg/store"
	"github.com/settld-labs/settld/pkg/workers"
)

// Request and response headers.
const (
	HeaderTenantID            = "x-settld-tenant-id"
	HeaderProtocol            = "x-settld-protocol"
	HeaderSupportedProtocols  = "x-settld-supported-protocols"
	HeaderBuild               = "x-settld-build"
	HeaderRequestID           = "x-request-id"
	HeaderIdempotencyKey      = "x-idempotency-key"
	HeaderIdempotencyReplayed = "x-idempotency-replayed"
	HeaderExpectedPrev        = "x-proxy-expected-prev-chain-hash"
)

// Options wires the server. Store, Blobs, Keyring, and Tokens are required;
// everything else has a workable default for single-node and test use.
type Options struct {
	Store   store.Store
	Blobs   objectstore.Store
	Keyring *governance.Keyring
	Tokens  *auth.Validator

	IngestToken auth.IngestToken

	Limiter   ratelimit.Store
	PolicyFor func(tenantID string) ratelimit.Policy
	Quotas    *quota.Enforcer

	Metrics       *metrics.Metrics
	Observability *observability.Provider

	Retention    *workers.RetentionCleanup
	Destinations map[string][]delivery.Destination

	Build          string
	DefaultTenant  string
	PresignSecret  string
	PresignMaxTTL  int
	ProtocolPolicy ProtocolPolicy

	Log *slog.Logger
	Now func() time.Time
}

// Server carries every capability the handlers use. It is safe for
// concurrent use; per-request state lives on the request context.
type Server struct {
	store     store.Store
	blobs     objectstore.Store
	keyring   *governance.Keyring
	tokens    *auth.Validator
	agentAuth *auth.AgentVerifier
	ingest    auth.IngestToken

	limiter   ratelimit.Store
	policyFor func(tenantID string) ratelimit.Policy
	quotas    *quota.Enforcer

	metrics *metrics.Metrics
	obs     *observability.Provider

	retention *workers.RetentionCleanup
	dests     map[string][]delivery.Destination

	compiler *contracts.Compiler
	gates    *escrow.GateEvaluator
	audit    *audit.Recorder
	exporter *audit.Exporter

	build          string
	defaultTenant  string
	presignSecret  string
	presignMaxTTL  int
	protocolPolicy ProtocolPolicy

	log *slog.Logger
	now func() time.Time
}

// New builds the server. The CEL environments for contract guards and
// milestone gates compile once here.
func New(opts Options) (*Server, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewMemoryStore(now)
	}
	policyFor := opts.PolicyFor
	if policyFor == nil {
		policyFor = func(string) ratelimit.Policy { return ratelimit.DefaultPolicy }
	}
	quotas := opts.Quotas
	if quotas == nil {
		quotas = quota.NewEnforcer(quota.NewMemoryMeter(now), nil, now)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	defaultTenant := opts.DefaultTenant
	if defaultTenant == "" {
		defaultTenant = domain.DefaultTenantID
	}
	presignMax := opts.PresignMaxTTL
	if presignMax <= 0 {
		presignMax = delivery.PresignDefaultTTLSeconds
	}
	compiler, err := contracts.NewCompiler()
	if err != nil {
		return nil, err
	}
	gates, err := escrow.NewGateEvaluator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:          opts.Store,
		blobs:          opts.Blobs,
		keyring:        opts.Keyring,
		tokens:         opts.Tokens,
		ingest:         opts.IngestToken,
		limiter:        limiter,
		policyFor:      policyFor,
		quotas:         quotas,
		metrics:        m,
		obs:            opts.Observability,
		retention:      opts.Retention,
		dests:          opts.Destinations,
		compiler:       compiler,
		gates:          gates,
		audit:          audit.NewRecorder(now),
		exporter:       audit.NewExporter(opts.Store, now),
		build:          opts.Build,
		defaultTenant:  defaultTenant,
		presignSecret:  opts.PresignSecret,
		presignMaxTTL:  presignMax,
		protocolPolicy: opts.ProtocolPolicy,
		log:            log.With("component", "httpapi"),
		now:            now,
	}
	s.agentAuth = auth.NewAgentVerifier(&storeAgentKeys{s.store}, now)
	return s, nil
}

// Handler assembles the full route table. Auth, rate limiting, and
// idempotency are applied per route; request id, protocol negotiation, and
// tenant resolution wrap everything.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated system surface.
	s.handle(mux, "GET /metrics", s.metrics.Handler())
	s.handle(mux, "GET /healthz", http.HandlerFunc(s.handleHealthz))
	s.handle(mux, "GET /capabilities", http.HandlerFunc(s.handleCapabilities))
	s.handle(mux, "GET /openapi.json", http.HandlerFunc(s.handleOpenAPI))

	// External ingest.
	s.handle(mux, "POST /ingest/proxy", s.ingestOnly(s.handleIngestProxy))

	// Jobs.
	s.handle(mux, "POST /jobs", s.write(auth.ScopeOpsWrite, s.handleJobCreate))
	s.handle(mux, "GET /jobs", s.read(auth.ScopeOpsRead, s.handleJobList))
	s.handle(mux, "GET /jobs/{id}", s.read(auth.ScopeOpsRead, s.handleJobGet))
	s.handle(mux, "GET /jobs/{id}/events", s.read(auth.ScopeOpsRead, s.handleJobEventsGet))
	s.handle(mux, "POST /jobs/{id}/events", s.write(auth.ScopeOpsWrite, s.handleJobEventsAppend))
	s.handle(mux, "POST /jobs/{id}/quote", s.write(auth.ScopeOpsWrite, s.handleJobQuote))
	s.handle(mux, "POST /jobs/{id}/book", s.write(auth.ScopeOpsWrite, s.handleJobBook))
	s.handle(mux, "POST /jobs/{id}/dispatch", s.write(auth.ScopeOpsWrite, s.handleJobDispatch))
	s.handle(mux, "POST /jobs/{id}/reschedule", s.write(auth.ScopeOpsWrite, s.handleJobReschedule))
	s.handle(mux, "POST /jobs/{id}/cancel", s.write(auth.ScopeOpsWrite, s.handleJobCancel))
	s.handle(mux, "POST /jobs/{id}/abort", s.write(auth.ScopeOpsWrite, s.handleJobAbort))
	s.handle(mux, "POST /jobs/{id}/settle", s.write(auth.ScopeFinanceWrite, s.handleJobSettle))
	s.handle(mux, "POST /jobs/{id}/sla-credit", s.write(auth.ScopeOpsWrite, s.handleJobSLACredit))
	s.handle(mux, "POST /jobs/{id}/dispute/open", s.write(auth.ScopeOpsWrite, s.handleJobDisputeOpen))
	s.handle(mux, "POST /jobs/{id}/dispute/close", s.write(auth.ScopeOpsWrite, s.handleJobDisputeClose))
	s.handle(mux, "POST /jobs/{id}/evidence/{evidenceId}/presign", s.read(auth.ScopeOpsRead, s.handleEvidencePresign))

	// Robots and operators.
	s.handle(mux, "POST /robots/register", s.write(auth.ScopeOpsWrite, s.handleRobotRegister))
	s.handle(mux, "GET /robots/{id}", s.read(auth.ScopeOpsRead, s.handleRobotGet))
	s.handle(mux, "POST /robots/{id}/events", s.write(auth.ScopeOpsWrite, s.handleRobotEventsAppend))
	s.handle(mux, "POST /robots/{id}/availability", s.write(auth.ScopeOpsWrite, s.handleRobotAvailability))
	s.handle(mux, "POST /robots/{id}/status", s.write(auth.ScopeOpsWrite, s.handleRobotStatus))
	s.handle(mux, "POST /operators/register", s.write(auth.ScopeOpsWrite, s.handleOperatorRegister))
	s.handle(mux, "GET /operators/{id}", s.read(auth.ScopeOpsRead, s.handleOperatorGet))
	s.handle(mux, "POST /operators/{id}/shifts", s.write(auth.ScopeOpsWrite, s.handleOperatorShift))
	s.handle(mux, "POST /operators/{id}/status", s.write(auth.ScopeOpsWrite, s.handleOperatorStatus))

	// Agents, wallets, runs.
	s.handle(mux, "POST /agents/register", s.write(auth.ScopeOpsWrite, s.handleAgentRegister))
	s.handle(mux, "POST /agents/{id}/wallet/credit", s.write(auth.ScopeFinanceWrite, s.handleWalletCredit))
	s.handle(mux, "GET /agents/{id}/wallet", s.agentOrRead(auth.ScopeFinanceRead, s.handleWalletGet))
	s.handle(mux, "POST /agents/{id}/runs", s.agentOrWrite(auth.ScopeOpsWrite, s.handleRunCreate))
	s.handle(mux, "GET /agents/{id}/runs/{runId}", s.agentOrRead(auth.ScopeOpsRead, s.handleRunGet))
	s.handle(mux, "POST /agents/{id}/runs/{runId}/events", s.agentOrWrite(auth.ScopeOpsWrite, s.handleRunEventsAppend))

	// Marketplace.
	s.handle(mux, "POST /marketplace/tasks", s.agentOrWrite(auth.ScopeOpsWrite, s.handleTaskCreate))
	s.handle(mux, "GET /marketplace/tasks", s.agentOrRead(auth.ScopeOpsRead, s.handleTaskList))
	s.handle(mux, "GET /marketplace/tasks/{id}", s.agentOrRead(auth.ScopeOpsRead, s.handleTaskGet))
	s.handle(mux, "POST /marketplace/tasks/{id}/cancel", s.agentOrWrite(auth.ScopeOpsWrite, s.handleTaskCancel))
	s.handle(mux, "POST /marketplace/tasks/{id}/bids", s.agentOrWrite(auth.ScopeOpsWrite, s.handleBidSubmit))
	s.handle(mux, "POST /marketplace/tasks/{id}/bids/{bidId}/counter", s.agentOrWrite(auth.ScopeOpsWrite, s.handleBidCounter))
	s.handle(mux, "POST /marketplace/tasks/{id}/bids/{bidId}/accept-counter", s.agentOrWrite(auth.ScopeOpsWrite, s.handleBidAcceptCounter))
	s.handle(mux, "POST /marketplace/tasks/{id}/bids/{bidId}/withdraw", s.agentOrWrite(auth.ScopeOpsWrite, s.handleBidWithdraw))
	s.handle(mux, "POST /marketplace/tasks/{id}/bids/{bidId}/accept", s.agentOrWrite(auth.ScopeOpsWrite, s.handleBidAccept))
	s.handle(mux, "POST /marketplace/settlement-policies", s.write(auth.ScopeOpsWrite, s.handlePolicyPut))
	s.handle(mux, "GET /marketplace/settlement-policies", s.read(auth.ScopeOpsRead, s.handlePolicyList))
	s.handle(mux, "GET /marketplace/settlement-policies/{policyId}", s.read(auth.ScopeOpsRead, s.handlePolicyGet))

	// Run settlement and disputes.
	s.handle(mux, "POST /runs/{id}/settlement/resolve", s.write(auth.ScopeOpsWrite, s.handleRunResolve))
	s.handle(mux, "GET /runs/{id}/settlement", s.agentOrRead(auth.ScopeOpsRead, s.handleRunSettlementGet))
	s.handle(mux, "POST /runs/{id}/dispute/open", s.agentOrWrite(auth.ScopeOpsWrite, s.handleRunDisputeOpen))
	s.handle(mux, "POST /runs/{id}/dispute/evidence", s.agentOrWrite(auth.ScopeOpsWrite, s.handleRunDisputeEvidence))
	s.handle(mux, "POST /runs/{id}/dispute/escalate", s.agentOrWrite(auth.ScopeOpsWrite, s.handleRunDisputeEscalate))
	s.handle(mux, "POST /runs/{id}/dispute/close", s.write(auth.ScopeOpsWrite, s.handleRunDisputeClose))
	s.handle(mux, "POST /runs/{id}/agreement/change-order", s.agentOrWrite(auth.ScopeOpsWrite, s.handleRunChangeOrder))
	s.handle(mux, "POST /runs/{id}/agreement/cancel", s.agentOrWrite(auth.ScopeOpsWrite, s.handleRunAgreementCancel))

	// Ops and governance.
	s.handle(mux, "POST /ops/maintenance/run", s.write(auth.ScopeOpsWrite, s.handleMaintenanceRun))
	s.handle(mux, "GET /ops/outbox", s.read(auth.ScopeOpsRead, s.handleOutboxDepth))
	s.handle(mux, "POST /ops/contracts", s.write(auth.ScopeOpsWrite, s.handleContractCreate))
	s.handle(mux, "GET /ops/contracts", s.read(auth.ScopeOpsRead, s.handleContractList))
	s.handle(mux, "GET /ops/contracts/{id}", s.read(auth.ScopeOpsRead, s.handleContractGet))
	s.handle(mux, "POST /ops/contracts/{id}/publish", s.write(auth.ScopeOpsWrite, s.handleContractPublish))
	s.handle(mux, "POST /ops/contracts/{id}/sign", s.write(auth.ScopeOpsWrite, s.handleContractSign))
	s.handle(mux, "POST /ops/contracts/{id}/activate", s.write(auth.ScopeOpsWrite, s.handleContractActivate))
	s.handle(mux, "POST /ops/contracts/{id}/retire", s.write(auth.ScopeOpsWrite, s.handleContractRetire))
	s.handle(mux, "POST /ops/signer-keys", s.write(auth.ScopeGovernanceTenantWrite, s.handleSignerKeyRegister))
	s.handle(mux, "GET /ops/signer-keys", s.read(auth.ScopeGovernanceTenantRead, s.handleSignerKeyList))
	s.handle(mux, "POST /ops/signer-keys/{keyId}/revoke", s.write(auth.ScopeGovernanceTenantWrite, s.handleSignerKeyRevoke))
	s.handle(mux, "GET /ops/deliveries", s.read(auth.ScopeOpsRead, s.handleDeliveryList))
	s.handle(mux, "POST /ops/deliveries/{id}/requeue", s.write(auth.ScopeOpsWrite, s.handleDeliveryRequeue))
	s.handle(mux, "POST /ops/month-close", s.write(auth.ScopeFinanceWrite, s.handleMonthClose))
	s.handle(mux, "POST /ops/month-close/reopen", s.write(auth.ScopeFinanceWrite, s.handleMonthReopen))
	s.handle(mux, "POST /ops/reimbursements", s.write(auth.ScopeFinanceWrite, s.handleReimbursement))
	s.handle(mux, "GET /ops/audit", s.read(auth.ScopeAuditRead, s.handleAuditList))
	s.handle(mux, "GET /ops/exports/audit", s.read(auth.ScopeAuditRead, s.handleAuditExport))
	s.handle(mux, "GET /ops/exports/party-statements", s.read(auth.ScopeFinanceRead, s.handlePartyStatements))
	s.handle(mux, "POST /ops/governance/events", s.write(auth.ScopeGovernanceTenantWrite, s.handleGovernanceEvent))
	s.handle(mux, "GET /ops/governance", s.read(auth.ScopeGovernanceTenantRead, s.handleGovernanceGet))

	// Delivery acks and evidence downloads.
	s.handle(mux, "POST /exports/ack", s.limited(http.HandlerFunc(s.handleExportAck)))
	s.handle(mux, "GET /evidence/download", http.HandlerFunc(s.handleEvidenceDownload))

	var h http.Handler = mux
	h = s.tenant(h)
	h = s.protocol(h)
	h = s.headers(h)
	h = s.recovered(h)
	if s.obs != nil {
		h = s.obs.Middleware(h)
	}
	return h
}

// handle registers a route with per-route metrics bound to its pattern, so
// the route label stays low-cardinality.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	method, route, ok := strings.Cut(pattern, " ")
	if !ok {
		method, route = "", pattern
	}
	mux.Handle(pattern, s.instrument(method, route, h))
}

// Route composition helpers. read/write demand a bearer scope; agentOr*
// also admit the signed-agent path; ingestOnly demands the shared ingest
// token. All are rate limited; writes are idempotency-capable.
func (s *Server) read(scope auth.Scope, h http.HandlerFunc) http.Handler {
	return s.limited(s.bearer(scope, http.HandlerFunc(h)))
}

func (s *Server) write(scope auth.Scope, h http.HandlerFunc) http.Handler {
	return s.limited(s.bearer(scope, s.idempotent(http.HandlerFunc(h))))
}

func (s *Server) agentOrRead(scope auth.Scope, h http.HandlerFunc) http.Handler {
	return s.limited(s.agentOrBearer(scope, http.HandlerFunc(h)))
}

func (s *Server) agentOrWrite(scope auth.Scope, h http.HandlerFunc) http.Handler {
	return s.limited(s.agentOrBearer(scope, s.idempotent(http.HandlerFunc(h))))
}

func (s *Server) ingestOnly(h http.HandlerFunc) http.Handler {
	return s.limited(s.ingestAuth(s.idempotent(http.HandlerFunc(h))))
}
