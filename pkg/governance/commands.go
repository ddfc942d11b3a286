package governance

import (
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
)

// system is the actor on governance events.
func system() events.Actor {
	return events.Actor{Type: events.ActorSystem, ID: "governance"}
}

// BuildKeyRegistration appends a new server key to the signer stream. The
// event is signed by `as`; on first boot that is the key registering
// itself, afterwards the currently active key.
func BuildKeyRegistration(as crypto.Signer, newKey crypto.Signer, owner string, prev *string, at time.Time) (events.Event, error) {
	if owner == "" {
		owner = "server"
	}
	e, err := events.New(domain.GovernanceSignerStream, domain.EvSignerKeyRegistered, system(),
		domain.SignerKeyRegisteredPayload{
			KeyID:     newKey.KeyID(),
			PublicKey: newKey.PublicKey(),
			Owner:     owner,
			ValidFrom: events.FormatTime(at),
		}, prev, at)
	if err != nil {
		return events.Event{}, err
	}
	if err := e.SignWith(as); err != nil {
		return events.Event{}, err
	}
	return e, nil
}

// BuildKeyRotation retires oldKeyID in favor of newKey. Rotation events
// must be signed by a key that is active before the rotation lands, which
// in practice means the old key signs its own replacement.
func BuildKeyRotation(as crypto.Signer, oldKeyID string, newKey crypto.Signer, prev *string, at time.Time) (events.Event, error) {
	if oldKeyID == "" {
		return events.Event{}, fmt.Errorf("rotation requires the old key id")
	}
	if oldKeyID == newKey.KeyID() {
		return events.Event{}, fmt.Errorf("rotation target equals source %s", oldKeyID)
	}
	e, err := events.New(domain.GovernanceSignerStream, domain.EvSignerKeyRotated, system(),
		domain.SignerKeyRotatedPayload{
			OldKeyID:  oldKeyID,
			KeyID:     newKey.KeyID(),
			PublicKey: newKey.PublicKey(),
			ValidFrom: events.FormatTime(at),
		}, prev, at)
	if err != nil {
		return events.Event{}, err
	}
	if err := e.SignWith(as); err != nil {
		return events.Event{}, err
	}
	return e, nil
}

// BuildKeyRevocation revokes keyID. Signed by a still-active key, never
// the one being revoked when a successor exists.
func BuildKeyRevocation(as crypto.Signer, keyID, reason string, prev *string, at time.Time) (events.Event, error) {
	if keyID == "" {
		return events.Event{}, fmt.Errorf("revocation requires a key id")
	}
	e, err := events.New(domain.GovernanceSignerStream, domain.EvSignerKeyRevoked, system(),
		domain.SignerKeyRevokedPayload{KeyID: keyID, Reason: reason}, prev, at)
	if err != nil {
		return events.Event{}, err
	}
	if err := e.SignWith(as); err != nil {
		return events.Event{}, err
	}
	return e, nil
}

// BuildPolicyOverride appends an effective-dated settings override to a
// tenant's policy stream. effectiveFrom may be past or future; selection
// happens at read time against the period being closed.
func BuildPolicyOverride(as crypto.Signer, effectiveFrom time.Time, settings domain.PolicySettings, prev *string, at time.Time) (events.Event, error) {
	e, err := events.New(domain.GovernancePolicyStream, domain.EvPolicyOverrideSet, system(),
		domain.PolicyOverridePayload{
			EffectiveFrom: events.FormatTime(effectiveFrom),
			Settings:      settings,
		}, prev, at)
	if err != nil {
		return events.Event{}, err
	}
	if err := e.SignWith(as); err != nil {
		return events.Event{}, err
	}
	return e, nil
}
