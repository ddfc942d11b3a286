package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/auth"
)

// stubServer swaps the long-running server path for a counter.
func stubServer(t *testing.T) *int {
	t.Helper()
	calls := 0
	prev := startServer
	startServer = func(stdout, stderr io.Writer) int {
		calls++
		return 0
	}
	t.Cleanup(func() { startServer = prev })
	return &calls
}

func TestRunDefaultsToServer(t *testing.T) {
	calls := stubServer(t)
	var out, errOut bytes.Buffer

	require.Equal(t, 0, Run([]string{"settld"}, &out, &errOut))
	require.Equal(t, 0, Run([]string{"settld", "server"}, &out, &errOut))
	require.Equal(t, 0, Run([]string{"settld", "serve"}, &out, &errOut))
	require.Equal(t, 0, Run([]string{"settld", "--port=9090"}, &out, &errOut))
	assert.Equal(t, 4, *calls)
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"settld", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "settld <command>")
	assert.Contains(t, out.String(), "maintenance")
	assert.Contains(t, out.String(), "keys")
}

func TestRunUnknownCommand(t *testing.T) {
	calls := stubServer(t)
	var out, errOut bytes.Buffer

	require.Equal(t, 2, Run([]string{"settld", "frobnicate"}, &out, &errOut))
	assert.Zero(t, *calls)
	assert.Contains(t, errOut.String(), "Unknown command: frobnicate")
}

func TestRunVersion(t *testing.T) {
	t.Setenv("BUILD", "v1.2.3")
	var out, errOut bytes.Buffer
	require.Equal(t, 0, Run([]string{"settld", "version"}, &out, &errOut))
	assert.Equal(t, "settld v1.2.3\n", out.String())
}

func TestKeysMint(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("ENVIRONMENT", "development")

	var out, errOut bytes.Buffer
	code := Run([]string{"settld", "keys", "mint",
		"--tenant", "t1", "--subject", "ops@example.com",
		"--scopes", "ops_read,finance_read", "--ttl", "1h"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	token := strings.TrimSpace(out.String())
	require.NotEmpty(t, token)

	// The persisted key must validate what the CLI minted.
	ks, err := loadOrGenerateTokenKey("development", io.Discard)
	require.NoError(t, err)
	p, err := auth.NewValidator(ks).Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", p.ID)
	assert.Equal(t, "t1", p.TenantID)
	assert.ElementsMatch(t, []auth.Scope{auth.ScopeOpsRead, auth.ScopeFinanceRead}, p.Scopes)
}

func TestKeysMintValidation(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	var out, errOut bytes.Buffer
	code := Run([]string{"settld", "keys", "mint", "--tenant", "t1", "--subject", "x", "--scopes", "root"}, &out, &errOut)
	require.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), `unknown scope "root"`)

	errOut.Reset()
	code = Run([]string{"settld", "keys", "mint", "--subject", "x"}, &out, &errOut)
	require.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "--tenant and --subject are required")
}

func TestKeysShow(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("ENVIRONMENT", "development")

	var out, errOut bytes.Buffer
	code := Run([]string{"settld", "keys", "show"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "server signer key id:  srv_")
	assert.Contains(t, out.String(), "server signer pubkey:")
}

func TestSeedPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.seed")

	seed, err := loadOrGenerateSeed(path, "development", io.Discard)
	require.NoError(t, err)
	require.Len(t, seed, 64)

	// A second load in production mode reads the same seed back.
	again, err := loadOrGenerateSeed(path, "production", io.Discard)
	require.NoError(t, err)
	assert.Equal(t, seed, again)
}

func TestSeedProductionRequiresFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.seed")
	_, err := loadOrGenerateSeed(path, "production", io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "production requires")
}

func TestTokenKeyRoundTrip(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	ks1, err := loadOrGenerateTokenKey("development", io.Discard)
	require.NoError(t, err)
	ks2, err := loadOrGenerateTokenKey("development", io.Discard)
	require.NoError(t, err)

	// Both loads share the persisted key, so tokens cross-validate.
	tok, err := auth.IssueToken(ks1, "ops", "t1", []auth.Scope{auth.ScopeOpsRead}, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = auth.NewValidator(ks2).Validate(tok)
	require.NoError(t, err)
}

func TestCoverageTiers(t *testing.T) {
	t.Setenv("COVERAGE_TIERS", "")
	assert.Equal(t, []string{"assisted"}, coverageTiers())

	t.Setenv("COVERAGE_TIERS", "assisted, premium ,")
	assert.Equal(t, []string{"assisted", "premium"}, coverageTiers())
}

func TestDoctorLiteMode(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LITE_MODE", "1")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("OBJECT_STORE", "memory")
	t.Setenv("TENANTS_DIR", filepath.Join(t.TempDir(), "missing"))

	var out, errOut bytes.Buffer
	code := Run([]string{"settld", "doctor"}, &out, &errOut)
	require.Equal(t, 0, code, out.String())
	assert.Contains(t, out.String(), "lite mode")
	assert.Contains(t, out.String(), "All checks passed.")
}
