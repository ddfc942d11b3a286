package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/crypto"
)

func verdictCore(outcome string, rate int) VerdictCore {
	return VerdictCore{
		SchemaVersion:  VerdictSchemaVersion,
		TenantID:       "default",
		RunID:          "run_1",
		DisputeID:      "disp_1",
		ArbiterAgentID: "agent_arbiter",
		Outcome:        outcome,
		ReleaseRatePct: rate,
		Rationale:      "evidence supports partial completion",
		DecidedAt:      "2026-03-02T10:00:00Z",
	}
}

func TestVerdictCore_Validate(t *testing.T) {
	require.NoError(t, verdictCore(VerdictOutcomeRelease, 100).Validate())
	require.NoError(t, verdictCore(VerdictOutcomeRefund, 0).Validate())
	require.NoError(t, verdictCore(VerdictOutcomePartial, 60).Validate())

	require.Error(t, verdictCore(VerdictOutcomeRelease, 99).Validate())
	require.Error(t, verdictCore(VerdictOutcomeRefund, 1).Validate())
	require.Error(t, verdictCore(VerdictOutcomePartial, 0).Validate())
	require.Error(t, verdictCore(VerdictOutcomePartial, 100).Validate())
	require.Error(t, verdictCore("split", 50).Validate())

	bad := verdictCore(VerdictOutcomeRelease, 100)
	bad.SchemaVersion = "DisputeVerdict.v2"
	require.Error(t, bad.Validate())

	bad = verdictCore(VerdictOutcomeRelease, 100)
	bad.DisputeID = ""
	require.Error(t, bad.Validate())
}

func TestVerdict_SignVerifyRoundTrip(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("arbiter_key_1")
	require.NoError(t, err)

	v, err := SignVerdict(verdictCore(VerdictOutcomePartial, 60), signer)
	require.NoError(t, err)
	assert.Equal(t, "arbiter_key_1", v.SignerKeyID)
	assert.NotEmpty(t, v.Signature)

	require.NoError(t, VerifyVerdict(v, signer.PublicKey()))
}

func TestVerdict_TamperBreaksVerification(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("arbiter_key_1")
	require.NoError(t, err)

	v, err := SignVerdict(verdictCore(VerdictOutcomePartial, 60), signer)
	require.NoError(t, err)

	v.Core.ReleaseRatePct = 90
	require.Error(t, VerifyVerdict(v, signer.PublicKey()))
}

func TestVerdict_WrongKeyFails(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("arbiter_key_1")
	require.NoError(t, err)
	other, err := crypto.NewEd25519Signer("arbiter_key_2")
	require.NoError(t, err)

	v, err := SignVerdict(verdictCore(VerdictOutcomeRelease, 100), signer)
	require.NoError(t, err)
	require.Error(t, VerifyVerdict(v, other.PublicKey()))
}

func TestVerdict_SignRejectsInvalidCore(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("arbiter_key_1")
	require.NoError(t, err)
	_, err = SignVerdict(verdictCore(VerdictOutcomeRelease, 50), signer)
	require.Error(t, err)
}

func TestVerdictCore_HashIsStable(t *testing.T) {
	c := verdictCore(VerdictOutcomePartial, 60)
	h1, err := c.Hash()
	require.NoError(t, err)
	h2, err := c.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	c.Rationale = "different rationale"
	h3, err := c.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
