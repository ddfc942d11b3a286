package auth

import (
	"crypto/sha256"
	"crypto/subtle"
)

// HeaderIngestToken carries the shared-secret ingest token. Ingest auth is
// separate from bearer auth: proxies pushing external events hold only this
// secret and can reach nothing else.
const HeaderIngestToken = "x-settld-ingest-token"

// IngestToken holds the configured secret as a digest; the plaintext is
// never retained after construction.
type IngestToken struct {
	digest     [sha256.Size]byte
	configured bool
}

func NewIngestToken(secret string) IngestToken {
	if secret == "" {
		return IngestToken{}
	}
	return IngestToken{digest: sha256.Sum256([]byte(secret)), configured: true}
}

// Configured reports whether an ingest secret was set. Unconfigured means
// the ingest surface is closed.
func (t IngestToken) Configured() bool { return t.configured }

// Verify compares the presented token in constant time.
func (t IngestToken) Verify(presented string) bool {
	if !t.configured || presented == "" {
		return false
	}
	sum := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(t.digest[:], sum[:]) == 1
}
