package events

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/crypto"
)

// Chain verification failure codes.
const (
	CodeChainBreak          = "CHAIN_BREAK"
	CodePayloadHashMismatch = "PAYLOAD_HASH_MISMATCH"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeUnknownSignerKey    = "UNKNOWN_SIGNER_KEY"
)

// ChainError reports the first verification failure in a stream.
type ChainError struct {
	Code    string
	Index   int
	EventID string
	Detail  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s at index %d (event %s): %s", e.Code, e.Index, e.EventID, e.Detail)
}

// KeyResolver maps a signer key id to its base64 public key. The second
// return reports whether the key is known.
type KeyResolver func(keyID string) (pubKeyB64 string, ok bool)

// VerifyEvent recomputes the payload and chain hashes of a single event.
// prev is the chain hash the event must link to (nil at stream start).
func VerifyEvent(e Event, prev *string, index int) *ChainError {
	if (prev == nil) != (e.PrevChainHash == nil) || (prev != nil && e.PrevChainHash != nil && *prev != *e.PrevChainHash) {
		return &ChainError{Code: CodeChainBreak, Index: index, EventID: e.ID, Detail: "prevChainHash does not link to predecessor"}
	}
	ph, err := canonicalize.HashRaw(e.Payload)
	if err != nil {
		return &ChainError{Code: CodePayloadHashMismatch, Index: index, EventID: e.ID, Detail: "payload not canonicalizable: " + err.Error()}
	}
	if ph != e.PayloadHash {
		return &ChainError{Code: CodePayloadHashMismatch, Index: index, EventID: e.ID, Detail: "stored payloadHash does not match payload"}
	}
	want := ComputeChainHash(e.PrevChainHash, e.PayloadHash, e.ID, e.At, e.Type)
	if want != e.ChainHash {
		return &ChainError{Code: CodeChainBreak, Index: index, EventID: e.ID, Detail: "stored chainHash does not match recomputation"}
	}
	return nil
}

// VerifyChain validates a full stream from its first event: hash linkage,
// payload hashes, and any present signatures. keys may be nil when the caller
// only cares about hash integrity; signed events then fail UNKNOWN_SIGNER_KEY.
func VerifyChain(evs []Event, keys KeyResolver) error {
	var prev *string
	for i, e := range evs {
		if cerr := VerifyEvent(e, prev, i); cerr != nil {
			return cerr
		}
		if e.Signature != "" || e.SignerKeyID != "" {
			if e.Signature == "" || e.SignerKeyID == "" {
				return &ChainError{Code: CodeSignatureInvalid, Index: i, EventID: e.ID, Detail: "signature and signerKeyId must be present together"}
			}
			if keys == nil {
				return &ChainError{Code: CodeUnknownSignerKey, Index: i, EventID: e.ID, Detail: "no key resolver provided"}
			}
			pub, ok := keys(e.SignerKeyID)
			if !ok {
				return &ChainError{Code: CodeUnknownSignerKey, Index: i, EventID: e.ID, Detail: "signer key " + e.SignerKeyID + " not registered"}
			}
			valid, err := crypto.Verify(pub, e.Signature, []byte(e.ChainHash))
			if err != nil {
				return &ChainError{Code: CodeSignatureInvalid, Index: i, EventID: e.ID, Detail: err.Error()}
			}
			if !valid {
				return &ChainError{Code: CodeSignatureInvalid, Index: i, EventID: e.ID, Detail: "signature does not verify over chainHash"}
			}
		}
		h := e.ChainHash
		prev = &h
	}
	return nil
}

// HeadHash returns the chain hash of the last event, or nil for an empty
// stream. This is the optimistic concurrency token for appends.
func HeadHash(evs []Event) *string {
	if len(evs) == 0 {
		return nil
	}
	h := evs[len(evs)-1].ChainHash
	return &h
}
