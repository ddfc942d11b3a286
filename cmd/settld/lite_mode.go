package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/store"

	_ "modernc.org/sqlite"
)

// dataDir is where lite mode keeps its database, blobs, and key material.
func dataDir() string {
	if d := os.Getenv("DATA_DIR"); d != "" {
		return d
	}
	return "data"
}

// openLiteStore runs the full store on a local sqlite file. Single-writer,
// no external dependencies; meant for development and small deployments.
func openLiteStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *sql.DB, error) {
	dir := dataDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := cfg.LiteDBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(dir, dbPath)
	}
	logger.Info("lite mode", "sqlite", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows one writer; serialize at the pool.
	db.SetMaxOpenConns(1)

	st := store.NewSQLite(db)
	if err := st.Init(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init sqlite store: %w", err)
	}
	return st, db, nil
}

// loadOrGenerateSeed returns the hex seed persisted at path, creating one
// outside production. Production requires explicit key material.
func loadOrGenerateSeed(path, environment string, stdout io.Writer) (string, error) {
	if raw, err := os.ReadFile(path); err == nil {
		seed := strings.TrimSpace(string(raw))
		if _, err := hex.DecodeString(seed); err != nil {
			return "", fmt.Errorf("seed file %s is not hex: %w", path, err)
		}
		return seed, nil
	}

	if environment == "production" {
		return "", fmt.Errorf("production requires SERVER_SIGNER_SEED or %s", path)
	}

	buf := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	seed := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist seed: %w", err)
	}
	fmt.Fprintf(stdout, "%swarning:%s generated signer seed at %s; set SERVER_SIGNER_SEED or use a KMS in production\n",
		ColorBold+ColorYellow, ColorReset, path)
	return seed, nil
}

// loadOrGenerateTokenKey persists the bearer-token signing key so tokens
// minted by `settld keys mint` validate against a restarted server.
func loadOrGenerateTokenKey(environment string, stdout io.Writer) (*auth.Ed25519KeySet, error) {
	path := filepath.Join(dataDir(), "token.key")
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("token key %s is not a %d-byte hex seed", path, ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return auth.NewEd25519KeySetFromKey(tokenKid(priv), priv), nil
	}

	if environment == "production" {
		return nil, fmt.Errorf("production requires a persisted token key at %s", path)
	}

	seedHex, err := loadOrGenerateSeed(path, environment, stdout)
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return auth.NewEd25519KeySetFromKey(tokenKid(priv), priv), nil
}

// tokenKid mirrors the keyset's rotation naming so persisted and rotated
// keys share an id scheme.
func tokenKid(priv ed25519.PrivateKey) string {
	sum := sha256.Sum256(priv.Public().(ed25519.PublicKey))
	return "tok_" + hex.EncodeToString(sum[:8])
}
