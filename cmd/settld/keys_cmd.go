package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/config"
)

// runKeysCmd implements `settld keys <mint|show>`.
//
// mint issues a scoped bearer token against the persisted token key, so
// operators can bootstrap API access without a running server. show
// prints the server signer identity tenants pin for artifact audits.
func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: settld keys <mint|show>")
		return 2
	}

	switch args[0] {
	case "mint":
		return runKeysMint(args[1:], stdout, stderr)
	case "show":
		return runKeysShow(stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", args[0])
		return 2
	}
}

func runKeysMint(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys mint", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenant  string
		subject string
		scopes  string
		ttl     time.Duration
	)
	cmd.StringVar(&tenant, "tenant", "", "Tenant id the token is bound to (REQUIRED)")
	cmd.StringVar(&subject, "subject", "", "Principal id, e.g. ops@example.com (REQUIRED)")
	cmd.StringVar(&scopes, "scopes", "ops_read", "Comma-separated scopes")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" || subject == "" {
		fmt.Fprintln(stderr, "Error: --tenant and --subject are required")
		cmd.Usage()
		return 2
	}

	var granted []auth.Scope
	for _, s := range strings.Split(scopes, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !auth.ValidScope(s) {
			fmt.Fprintf(stderr, "Error: unknown scope %q\n", s)
			fmt.Fprintf(stderr, "Known scopes: %s\n", scopeList())
			return 2
		}
		granted = append(granted, auth.Scope(s))
	}
	if len(granted) == 0 {
		fmt.Fprintln(stderr, "Error: --scopes is empty")
		return 2
	}

	_ = godotenv.Load()
	cfg := config.Load()
	ks, err := loadOrGenerateTokenKey(cfg.Environment, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: token key: %v\n", err)
		return 1
	}

	token, err := auth.IssueToken(ks, subject, tenant, granted, ttl, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: mint failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, token)
	fmt.Fprintf(stderr, "minted for %s@%s, scopes %s, expires %s\n",
		subject, tenant, scopes, time.Now().Add(ttl).UTC().Format(time.RFC3339))
	return 0
}

func runKeysShow(stdout, stderr io.Writer) int {
	_ = godotenv.Load()
	cfg := config.Load()

	keyring, err := openKeyring(cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: keyring: %v\n", err)
		return 1
	}
	master := keyring.Master()

	fmt.Fprintf(stdout, "server signer key id:  %s\n", master.KeyID())
	fmt.Fprintf(stdout, "server signer pubkey:  %s\n", master.PublicKey())
	tokenPath := filepath.Join(dataDir(), "token.key")
	if fileExists(tokenPath) {
		fmt.Fprintf(stdout, "token key:             %s\n", tokenPath)
	} else {
		fmt.Fprintf(stdout, "token key:             not yet generated\n")
	}
	return 0
}

func scopeList() string {
	strs := make([]string, len(auth.AllScopes))
	for i, s := range auth.AllScopes {
		strs[i] = string(s)
	}
	return strings.Join(strs, ", ")
}
