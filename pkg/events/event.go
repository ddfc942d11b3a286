// Package events defines the hash-chained event envelope that every aggregate
// stream in the system is built from, and the verification primitives that
// make a stream independently auditable.
//
// A stream is identified by (tenantId, streamId) where streamId is
// "{aggregateType}:{aggregateId}". Within a stream, event i carries
// prevChainHash equal to event i-1's chainHash; the first event carries null.
// Verifiers only need the events and the public keys.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/crypto"
)

// SchemaVersion is the envelope version stamped into every event.
const SchemaVersion = 1

// ActorType enumerates who can author an event.
type ActorType string

const (
	ActorRequester  ActorType = "requester"
	ActorRobot      ActorType = "robot"
	ActorOperator   ActorType = "operator"
	ActorSystem     ActorType = "system"
	ActorOps        ActorType = "ops"
	ActorFinance    ActorType = "finance"
	ActorPricing    ActorType = "pricing"
	ActorDispatch   ActorType = "dispatch"
	ActorRisk       ActorType = "risk"
	ActorRetention  ActorType = "retention"
	ActorAccounting ActorType = "accounting"
	ActorAgent      ActorType = "agent"
)

// Actor identifies the author of an event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Event is the immutable envelope appended to a stream.
type Event struct {
	V             int             `json:"v"`
	ID            string          `json:"id"`
	StreamID      string          `json:"streamId"`
	Type          string          `json:"type"`
	At            string          `json:"at"`
	Actor         Actor           `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payloadHash"`
	PrevChainHash *string         `json:"prevChainHash"`
	ChainHash     string          `json:"chainHash"`
	Signature     string          `json:"signature,omitempty"`
	SignerKeyID   string          `json:"signerKeyId,omitempty"`
}

// StreamID composes "{aggregateType}:{aggregateId}".
func StreamID(aggregateType, aggregateID string) string {
	return aggregateType + ":" + aggregateID
}

// SplitStreamID returns the aggregate type and id of a stream id.
func SplitStreamID(streamID string) (aggregateType, aggregateID string) {
	typ, id, ok := strings.Cut(streamID, ":")
	if !ok {
		return streamID, ""
	}
	return typ, id
}

// FormatTime renders t as the wire timestamp: RFC3339, UTC, whole seconds.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ParseTime parses a wire timestamp and rejects non-UTC renderings so two
// writers can never produce differently spelled instants.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	if !strings.HasSuffix(s, "Z") {
		return time.Time{}, fmt.Errorf("timestamp %q is not UTC", s)
	}
	return t, nil
}

// ComputeChainHash derives the chain hash for one event position:
// sha256 over the concatenation of the previous chain hash (empty string for
// the first event), the payload hash, the event id, the wire timestamp, and
// the event type, hex encoded.
func ComputeChainHash(prev *string, payloadHash, id, at, eventType string) string {
	h := sha256.New()
	if prev != nil {
		h.Write([]byte(*prev))
	}
	h.Write([]byte(payloadHash))
	h.Write([]byte(id))
	h.Write([]byte(at))
	h.Write([]byte(eventType))
	return hex.EncodeToString(h.Sum(nil))
}

// New builds a fully hashed event ready for append. The payload is
// canonicalized before hashing and stored in canonical form, so recomputing
// payloadHash from the stored bytes is stable. prev is the chain hash of the
// stream head, nil for an empty stream.
func New(streamID, eventType string, actor Actor, payload any, prev *string, at time.Time) (Event, error) {
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event payload: %w", err)
	}
	return NewFromRaw(streamID, eventType, actor, raw, prev, at)
}

// NewFromRaw is New for payloads already held as raw JSON, e.g. ingest bodies.
func NewFromRaw(streamID, eventType string, actor Actor, payload json.RawMessage, prev *string, at time.Time) (Event, error) {
	canonical, err := canonicalize.JCSBytes(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event payload: %w", err)
	}
	e := Event{
		V:             SchemaVersion,
		ID:            "evt_" + uuid.NewString(),
		StreamID:      streamID,
		Type:          eventType,
		At:            FormatTime(at),
		Actor:         actor,
		Payload:       canonical,
		PayloadHash:   canonicalize.HashBytes(canonical),
		PrevChainHash: prev,
	}
	e.ChainHash = ComputeChainHash(e.PrevChainHash, e.PayloadHash, e.ID, e.At, e.Type)
	return e, nil
}

// SignWith signs the chain hash and stamps the signer key id. The signature
// covers the ASCII hex chain hash, which itself covers everything else.
func (e *Event) SignWith(s crypto.Signer) error {
	sig, err := s.Sign([]byte(e.ChainHash))
	if err != nil {
		return fmt.Errorf("sign event %s: %w", e.ID, err)
	}
	e.Signature = sig
	e.SignerKeyID = s.KeyID()
	return nil
}

// DecodePayload unmarshals the payload into out.
func (e Event) DecodePayload(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// AtTime parses the event timestamp. Events built through New always parse.
func (e Event) AtTime() time.Time {
	t, _ := time.Parse(time.RFC3339, e.At)
	return t
}
