package governance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/governance"
)

var govAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func TestKeyring_DeterministicDerivation(t *testing.T) {
	seedSigner, err := crypto.NewEd25519Signer("")
	require.NoError(t, err)
	seed := seedSigner.SeedHex()

	k1, err := governance.NewKeyring(seed)
	require.NoError(t, err)
	k2, err := governance.NewKeyring(seed)
	require.NoError(t, err)

	assert.Equal(t, k1.Master().KeyID(), k2.Master().KeyID())
	assert.Equal(t, k1.Master().PublicKey(), k2.Master().PublicKey())

	ta1, err := k1.TenantSigner("tn_a")
	require.NoError(t, err)
	ta2, err := k2.TenantSigner("tn_a")
	require.NoError(t, err)
	tb, err := k1.TenantSigner("tn_b")
	require.NoError(t, err)

	assert.Equal(t, ta1.PublicKey(), ta2.PublicKey(), "same seed and tenant derive the same key")
	assert.NotEqual(t, ta1.PublicKey(), tb.PublicKey(), "tenants get distinct keys")
	assert.NotEqual(t, ta1.PublicKey(), k1.Master().PublicKey())

	_, err = k1.TenantSigner("")
	require.Error(t, err)

	_, err = governance.NewKeyring("not-hex")
	require.Error(t, err)
	_, err = governance.NewKeyring("abcd")
	require.Error(t, err)
}

func TestKeyring_Ephemeral(t *testing.T) {
	k1, err := governance.NewEphemeralKeyring()
	require.NoError(t, err)
	k2, err := governance.NewEphemeralKeyring()
	require.NoError(t, err)
	assert.NotEqual(t, k1.Master().PublicKey(), k2.Master().PublicKey())
}

// signerLifecycle drives register → rotate → revoke through the reducer
// and checks the directory view after each step.
func TestSignerLifecycleThroughDirectory(t *testing.T) {
	keyring, err := governance.NewEphemeralKeyring()
	require.NoError(t, err)
	first := keyring.Master()
	second, err := keyring.TenantSigner("rotation-target")
	require.NoError(t, err)

	reg, err := governance.BuildKeyRegistration(first, first, "server", nil, govAt)
	require.NoError(t, err)
	assert.Equal(t, domain.GovernanceSignerStream, reg.StreamID)
	assert.Equal(t, first.KeyID(), reg.SignerKeyID)

	rot, err := governance.BuildKeyRotation(first, first.KeyID(), second, &reg.ChainHash, govAt.Add(time.Hour))
	require.NoError(t, err)
	rev, err := governance.BuildKeyRevocation(second, first.KeyID(), "scheduled rotation", &rot.ChainHash, govAt.Add(2*time.Hour))
	require.NoError(t, err)

	g, err := domain.ReduceGovernance([]events.Event{reg, rot, rev})
	require.NoError(t, err)
	assert.Equal(t, second.KeyID(), g.ActiveKeyID)

	dir := governance.NewDirectory(g)
	pub, owner, ok := dir.SignerKey(second.KeyID())
	require.True(t, ok)
	assert.Equal(t, "server", owner)
	assert.Equal(t, second.PublicKey(), pub)

	_, _, ok = dir.SignerKey(first.KeyID())
	assert.False(t, ok, "revoked keys resolve to nothing")

	// Historical verification still resolves the retired key by id.
	resolver := func(keyID string) (string, bool) {
		switch keyID {
		case first.KeyID():
			return first.PublicKey(), true
		case second.KeyID():
			return second.PublicKey(), true
		}
		return "", false
	}
	require.NoError(t, events.VerifyChain([]events.Event{reg, rot, rev}, resolver))
	valid, err := crypto.Verify(pub, rev.Signature, []byte(rev.ChainHash))
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestBuildKeyRotation_Validation(t *testing.T) {
	keyring, err := governance.NewEphemeralKeyring()
	require.NoError(t, err)
	master := keyring.Master()

	_, err = governance.BuildKeyRotation(master, "", master, nil, govAt)
	require.Error(t, err)
	_, err = governance.BuildKeyRotation(master, master.KeyID(), master, nil, govAt)
	require.ErrorContains(t, err, "equals source")
	_, err = governance.BuildKeyRevocation(master, "", "", nil, govAt)
	require.Error(t, err)
}

func TestDirectory_ActorKeys(t *testing.T) {
	dir := governance.NewDirectory(nil)
	dir.PutActorKey(governance.ActorKey{
		KeyID: "rbt_key_1", PublicKey: "pub1", Owner: "robot", OwnerID: "rob_1",
	})

	pub, owner, ok := dir.SignerKey("rbt_key_1")
	require.True(t, ok)
	assert.Equal(t, "robot", owner)
	assert.Equal(t, "pub1", pub)

	dir.PutActorKey(governance.ActorKey{
		KeyID: "rbt_key_1", PublicKey: "pub1", Owner: "robot", OwnerID: "rob_1", Revoked: true,
	})
	_, _, ok = dir.SignerKey("rbt_key_1")
	assert.False(t, ok)

	_, _, ok = dir.SignerKey("missing")
	assert.False(t, ok)
}

func TestPolicyOverrideSelection(t *testing.T) {
	keyring, err := governance.NewEphemeralKeyring()
	require.NoError(t, err)
	signer := keyring.Master()

	jan := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)

	o1, err := governance.BuildPolicyOverride(signer, jan,
		domain.PolicySettings{MonthCloseHoldPolicy: domain.HoldPolicyAllowWithDisclose}, nil, govAt)
	require.NoError(t, err)
	o2, err := governance.BuildPolicyOverride(signer, feb,
		domain.PolicySettings{MonthCloseHoldPolicy: domain.HoldPolicyBlockOriginated}, &o1.ChainHash, govAt.Add(time.Minute))
	require.NoError(t, err)
	// Same effectiveFrom as o2; later commit wins the tie.
	o3, err := governance.BuildPolicyOverride(signer, feb,
		domain.PolicySettings{DisputeWindowDays: 30}, &o2.ChainHash, govAt.Add(2*time.Minute))
	require.NoError(t, err)

	g, err := domain.ReduceGovernance([]events.Event{o1, o2, o3})
	require.NoError(t, err)

	// Period ending Feb 1: only the January override is effective.
	s := g.EffectiveSettings("2026-02-01T00:00:00Z")
	assert.Equal(t, domain.HoldPolicyAllowWithDisclose, s.MonthCloseHoldPolicy)
	assert.Equal(t, 14, s.DisputeWindowDays, "defaults fill unset fields")

	// Period ending Mar 1: both February overrides qualify; the later
	// committed one wins and non-overridden fields fall back to defaults.
	s = g.EffectiveSettings("2026-03-01T00:00:00Z")
	assert.Equal(t, 30, s.DisputeWindowDays)
	assert.Equal(t, domain.HoldPolicyBlockAnyOpen, s.MonthCloseHoldPolicy,
		"tie-winning override does not inherit the losing override's fields")

	// Period ending exactly at an override's effectiveFrom excludes it.
	s = g.EffectiveSettings("2026-01-10T00:00:00Z")
	assert.Equal(t, domain.HoldPolicyBlockAnyOpen, s.MonthCloseHoldPolicy)
}
