package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/domain"
)

// maxBodyBytes caps request bodies. Evidence payloads carry references, not
// content, so nothing legitimate comes close.
const maxBodyBytes = 1 << 20

var errBodyTooLarge = errors.New("httpapi: request body too large")

type tenantKey struct{}

func withTenant(r *http.Request, tenantID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenantID))
}

// tenantID returns the tenant resolved for this request.
func (s *Server) tenantID(r *http.Request) string {
	id, _ := r.Context().Value(tenantKey{}).(string)
	if id == "" {
		return s.defaultTenant
	}
	return id
}

// headers stamps the correlation id and build on every response and attaches
// the id to the request context.
func (s *Server) headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		if s.build != "" {
			w.Header().Set(HeaderBuild, s.build)
		}
		next.ServeHTTP(w, r.WithContext(auth.WithRequestID(r.Context(), id)))
	})
}

// tenant resolves the tenant header, falling back to the configured default
// so single-tenant deployments need no header at all.
func (s *Server) tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenantID == "" {
			tenantID = s.defaultTenant
		}
		next.ServeHTTP(w, withTenant(r, tenantID))
	})
}

func (s *Server) recovered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// instrument records request count and latency under the route pattern the
// handler was registered with.
func (s *Server) instrument(method, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := s.now()
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequests.WithLabelValues(method, route, statusClass(rec.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(s.now().Sub(start).Seconds())
	})
}

// limited applies the tenant's rate policy. Limiter backend errors fail
// open: refusing all traffic because redis blinked is the worse failure.
func (s *Server) limited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := s.tenantID(r)
		dec, err := s.limiter.Allow(r.Context(), "tenant:"+tenantID, s.policyFor(tenantID), 1)
		if err != nil {
			s.log.Warn("rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !dec.Allowed {
			s.metrics.RateLimited.WithLabelValues(tenantID).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter/time.Second)))
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearer authenticates a scoped token. Failures are all 403 with the same
// code so probes cannot distinguish a bad token from a missing scope.
func (s *Server) bearer(scope auth.Scope, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.bearerPrincipal(w, r)
		if !ok {
			return
		}
		if !p.HasScope(scope) {
			writeError(w, http.StatusForbidden, CodeForbidden, "insufficient scope")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) bearerPrincipal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	raw := r.Header.Get("Authorization")
	tok, found := strings.CutPrefix(raw, "Bearer ")
	if !found || tok == "" {
		writeError(w, http.StatusForbidden, CodeForbidden, "bearer token required")
		return nil, false
	}
	p, err := s.tokens.Validate(tok)
	if err != nil {
		writeError(w, http.StatusForbidden, CodeForbidden, "token rejected")
		return nil, false
	}
	if p.TenantID != s.tenantID(r) {
		writeError(w, http.StatusForbidden, CodeForbidden, "token tenant mismatch")
		return nil, false
	}
	return p, true
}

// agentOrBearer admits either a signed agent request or a scoped bearer
// token. Agents carry no scopes; handlers bind them to their own resources.
func (s *Server) agentOrBearer(scope auth.Scope, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(auth.HeaderAgentSignature) == "" {
			s.bearer(scope, next).ServeHTTP(w, r)
			return
		}
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "unreadable body")
			return
		}
		p, err := s.agentAuth.Verify(r.Context(), s.tenantID(r), auth.AgentRequest{
			AgentID:   r.Header.Get(auth.HeaderAgentID),
			KeyID:     r.Header.Get(auth.HeaderAgentKeyID),
			Timestamp: r.Header.Get(auth.HeaderAgentTimestamp),
			Signature: r.Header.Get(auth.HeaderAgentSignature),
			Method:    r.Method,
			Path:      r.URL.Path,
			Body:      body,
		})
		if err != nil {
			writeError(w, http.StatusForbidden, CodeForbidden, "agent signature rejected")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// ingestAuth guards the proxy ingest surface with the shared secret.
func (s *Server) ingestAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ingest.Verify(r.Header.Get(auth.HeaderIngestToken)) {
			s.metrics.IngestRejected.WithLabelValues("token").Inc()
			writeError(w, http.StatusForbidden, CodeForbidden, "ingest token rejected")
			return
		}
		p := &auth.Principal{Kind: auth.KindIngest, ID: "ingest", TenantID: s.tenantID(r)}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// requireAgentSelf rejects agent principals acting on another agent's
// resource. Bearer principals pass; their scope already authorizes them.
func requireAgentSelf(w http.ResponseWriter, r *http.Request, agentID string) bool {
	p := auth.PrincipalFrom(r.Context())
	if p != nil && p.Kind == auth.KindAgent && p.ID != agentID {
		writeError(w, http.StatusForbidden, CodeForbidden, "agent may only act on itself")
		return false
	}
	return true
}

// readBody drains the capped request body and reinstalls it for the
// handler. Verification middlewares need the raw bytes before decoding.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
