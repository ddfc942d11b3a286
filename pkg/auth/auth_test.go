package auth_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/crypto"
)

var authAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestIssueAndValidateToken(t *testing.T) {
	ks, err := auth.NewEd25519KeySet()
	require.NoError(t, err)
	v := auth.NewValidator(ks)

	token, err := auth.IssueToken(ks, "ops_user_1", "t1",
		[]auth.Scope{auth.ScopeOpsRead, auth.ScopeOpsWrite}, time.Hour, time.Now())
	require.NoError(t, err)

	p, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, auth.KindUser, p.Kind)
	assert.Equal(t, "ops_user_1", p.ID)
	assert.Equal(t, "t1", p.TenantID)
	assert.True(t, p.HasScope(auth.ScopeOpsRead))
	assert.True(t, p.HasScope(auth.ScopeOpsWrite))
	assert.False(t, p.HasScope(auth.ScopeFinanceWrite))
}

func TestValidate_ExpiredToken(t *testing.T) {
	ks, err := auth.NewEd25519KeySet()
	require.NoError(t, err)
	v := auth.NewValidator(ks)

	token, err := auth.IssueToken(ks, "u_1", "t1", nil, time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.Error(t, err)
}

func TestValidate_SurvivesRotation(t *testing.T) {
	ks, err := auth.NewEd25519KeySet()
	require.NoError(t, err)
	v := auth.NewValidator(ks)

	token, err := auth.IssueToken(ks, "u_1", "t1", []auth.Scope{auth.ScopeAuditRead}, time.Hour, time.Now())
	require.NoError(t, err)

	// Tokens signed before a rotation still verify against the retained key.
	require.NoError(t, ks.Rotate())
	p, err := v.Validate(token)
	require.NoError(t, err)
	assert.True(t, p.HasScope(auth.ScopeAuditRead))
}

func TestValidate_WrongKeySetRejected(t *testing.T) {
	ks1, err := auth.NewEd25519KeySet()
	require.NoError(t, err)
	ks2, err := auth.NewEd25519KeySet()
	require.NoError(t, err)

	token, err := auth.IssueToken(ks1, "u_1", "t1", nil, time.Hour, time.Now())
	require.NoError(t, err)

	_, err = auth.NewValidator(ks2).Validate(token)
	require.Error(t, err)
}

func TestValidate_DropsUnknownScopes(t *testing.T) {
	ks, err := auth.NewEd25519KeySet()
	require.NoError(t, err)

	token, err := auth.IssueToken(ks, "u_1", "t1",
		[]auth.Scope{auth.ScopeOpsRead, auth.Scope("launch_missiles")}, time.Hour, time.Now())
	require.NoError(t, err)

	p, err := auth.NewValidator(ks).Validate(token)
	require.NoError(t, err)
	assert.Equal(t, []auth.Scope{auth.ScopeOpsRead}, p.Scopes)
}

func TestHasScope_GlobalImpliesTenant(t *testing.T) {
	p := &auth.Principal{Scopes: []auth.Scope{auth.ScopeGovernanceGlobalWrite}}
	assert.True(t, p.HasScope(auth.ScopeGovernanceGlobalWrite))
	assert.True(t, p.HasScope(auth.ScopeGovernanceTenantWrite))
	assert.False(t, p.HasScope(auth.ScopeGovernanceTenantRead))

	var nilP *auth.Principal
	assert.False(t, nilP.HasScope(auth.ScopeOpsRead))
}

type staticAgentKeys map[string]*auth.AgentKey

func (m staticAgentKeys) AgentKey(ctx context.Context, tenantID, keyID string) (*auth.AgentKey, error) {
	if k, ok := m[keyID]; ok && k.TenantID == tenantID {
		return k, nil
	}
	return nil, assert.AnError
}

func unixStr(at time.Time) string {
	return strconv.FormatInt(at.Unix(), 10)
}

func TestAgentVerifier(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("ak_1")
	require.NoError(t, err)
	keys := staticAgentKeys{
		"ak_1": {TenantID: "t1", AgentID: "agt_1", KeyID: "ak_1", PublicKey: signer.PublicKey()},
	}
	v := auth.NewAgentVerifier(keys, func() time.Time { return authAt })

	req := auth.AgentRequest{
		AgentID:   "agt_1",
		KeyID:     "ak_1",
		Timestamp: unixStr(authAt),
		Method:    "POST",
		Path:      "/agents/agt_1/runs",
		Body:      []byte(`{"runId":"run_1"}`),
	}
	sig, err := signer.Sign([]byte(req.SigningString()))
	require.NoError(t, err)
	req.Signature = sig

	p, err := v.Verify(context.Background(), "t1", req)
	require.NoError(t, err)
	assert.Equal(t, auth.KindAgent, p.Kind)
	assert.Equal(t, "agt_1", p.ID)
	assert.Equal(t, "t1", p.TenantID)

	// Tampered body invalidates the signature.
	bad := req
	bad.Body = []byte(`{"runId":"run_2"}`)
	_, err = v.Verify(context.Background(), "t1", bad)
	require.Error(t, err)

	// Stale timestamp is rejected even with a valid signature.
	stale := req
	stale.Timestamp = unixStr(authAt.Add(-10 * time.Minute))
	staleSig, err := signer.Sign([]byte(stale.SigningString()))
	require.NoError(t, err)
	stale.Signature = staleSig
	_, err = v.Verify(context.Background(), "t1", stale)
	require.Error(t, err)

	// Key registered to a different agent.
	wrongAgent := req
	wrongAgent.AgentID = "agt_2"
	wrongSig, err := signer.Sign([]byte(wrongAgent.SigningString()))
	require.NoError(t, err)
	wrongAgent.Signature = wrongSig
	_, err = v.Verify(context.Background(), "t1", wrongAgent)
	require.Error(t, err)

	// Revoked key.
	keys["ak_1"].Revoked = true
	_, err = v.Verify(context.Background(), "t1", req)
	require.Error(t, err)
}

func TestIngestToken(t *testing.T) {
	tok := auth.NewIngestToken("ing_secret_1")
	assert.True(t, tok.Configured())
	assert.True(t, tok.Verify("ing_secret_1"))
	assert.False(t, tok.Verify("wrong"))
	assert.False(t, tok.Verify(""))

	unset := auth.NewIngestToken("")
	assert.False(t, unset.Configured())
	assert.False(t, unset.Verify("anything"))
}
