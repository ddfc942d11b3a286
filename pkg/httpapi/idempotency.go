package httpapi

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

const maxIdempotencyKeyLen = 128

func validIdempotencyKey(key string) bool {
	if len(key) == 0 || len(key) > maxIdempotencyKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// requestHash fingerprints a write. The body is canonicalized first so
// whitespace and key order do not defeat replay detection.
func requestHash(method, path string, body []byte) string {
	canon := body
	if len(body) > 0 {
		if c, err := canonicalize.JCSBytes(body); err == nil {
			canon = c
		}
	}
	return canonicalize.HashBytes(append([]byte(method+"\n"+path+"\n"), canon...))
}

type responseBuffer struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (b *responseBuffer) WriteHeader(code int) {
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.buf.Write(p)
	return b.ResponseWriter.Write(p)
}

// idempotent replays the stored response when a write repeats with the same
// key and canonical body; the same key with a different body is refused.
// Without the header the request passes straight through.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !validIdempotencyKey(key) {
			writeError(w, http.StatusBadRequest, CodeIdempotencyInvalid,
				"idempotency key must be 1-128 chars of [a-zA-Z0-9._-]")
			return
		}
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "unreadable body")
			return
		}
		hash := requestHash(r.Method, r.URL.Path, body)
		tenantID := s.tenantID(r)

		prior, err := s.store.IdempotencyReceipt(r.Context(), tenantID, key)
		switch {
		case err == nil:
			if prior.RequestHash != hash {
				writeErrorDetails(w, http.StatusConflict, store.CodeIdempotencyConflict,
					"idempotency key reused with a different request", map[string]string{"key": key})
				return
			}
			w.Header().Set(HeaderIdempotencyReplayed, "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(prior.StatusCode)
			w.Write(prior.Body)
			return
		case !errors.Is(err, store.ErrNotFound):
			WriteFromError(w, s.log, err)
			return
		}

		rec := &responseBuffer{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// 5xx answers are not receipts; the caller should retry those.
		if rec.status >= 500 {
			return
		}
		receipt := &store.IdempotencyReceipt{
			TenantID:    tenantID,
			Key:         key,
			RequestHash: hash,
			StatusCode:  rec.status,
			Body:        rec.buf.Bytes(),
			CreatedAt:   events.FormatTime(s.now()),
		}
		if err := s.store.CommitTx(r.Context(), tenantID, []store.Op{store.PutIdempotency(receipt)}); err != nil {
			var conflict *store.ConflictError
			if !errors.As(err, &conflict) {
				s.log.Warn("idempotency receipt not stored", "key", key, "error", err)
			}
		}
	})
}
