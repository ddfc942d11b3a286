package delivery

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Presign TTL bounds, seconds. The default applies when callers pass no ttl;
// the cap clamps explicit requests.
const (
	PresignDefaultTTLSeconds = 300
	PresignMaxTTLSeconds     = 3600
)

// ClampPresignTTL resolves a requested ttl against the configured maximum.
// maxSeconds <= 0 falls back to the default; the hard cap always applies.
func ClampPresignTTL(requested, maxSeconds int) int {
	if maxSeconds <= 0 {
		maxSeconds = PresignDefaultTTLSeconds
	}
	if maxSeconds > PresignMaxTTLSeconds {
		maxSeconds = PresignMaxTTLSeconds
	}
	if requested <= 0 || requested > maxSeconds {
		return maxSeconds
	}
	return requested
}

// PresignToken derives the evidence download token:
// hex(sha256(secret || tenantId || jobId || evidenceId || evidenceRef || expiresAt)).
// expiresAt is unix seconds as decimal text, the same value carried in the
// signed URL.
func PresignToken(secret, tenantID, jobID, evidenceID, evidenceRef string, expiresAt int64) string {
	h := sha256.New()
	h.Write([]byte(secret))
	h.Write([]byte(tenantID))
	h.Write([]byte(jobID))
	h.Write([]byte(evidenceID))
	h.Write([]byte(evidenceRef))
	h.Write([]byte(strconv.FormatInt(expiresAt, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// PresignEvidence issues a token expiring ttlSeconds from now.
func PresignEvidence(secret, tenantID, jobID, evidenceID, evidenceRef string, ttlSeconds int, now time.Time) (token string, expiresAt int64) {
	expiresAt = now.UTC().Unix() + int64(ttlSeconds)
	return PresignToken(secret, tenantID, jobID, evidenceID, evidenceRef, expiresAt), expiresAt
}

// VerifyPresign checks a presented token and its expiry.
func VerifyPresign(secret, tenantID, jobID, evidenceID, evidenceRef, token string, expiresAt int64, now time.Time) error {
	if now.UTC().Unix() >= expiresAt {
		return fmt.Errorf("delivery: presign expired at %d", expiresAt)
	}
	want := PresignToken(secret, tenantID, jobID, evidenceID, evidenceRef, expiresAt)
	if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return fmt.Errorf("delivery: presign token mismatch")
	}
	return nil
}
