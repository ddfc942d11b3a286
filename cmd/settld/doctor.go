package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"

	"github.com/settld-labs/settld/pkg/config"
)

// runDoctorCmd implements `settld doctor`: checks the configuration the
// server would start with, without starting it.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string
		Status string // "ok", "warn", "fail"
		Detail string
	}

	_ = godotenv.Load()
	cfg := config.Load()

	var results []checkResult
	allOK := true
	add := func(name, status, detail string) {
		results = append(results, checkResult{Name: name, Status: status, Detail: detail})
		if status == "fail" {
			allOK = false
		}
	}

	add("go_runtime", "ok", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))

	lite := cfg.LiteMode || os.Getenv("DATABASE_URL") == ""
	if lite {
		add("database", "warn", "lite mode (sqlite); set DATABASE_URL for postgres")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err == nil {
			err = db.PingContext(ctx)
			db.Close()
		}
		cancel()
		if err != nil {
			add("database", "fail", fmt.Sprintf("postgres unreachable: %v", err))
		} else {
			add("database", "ok", "postgres reachable")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := openBlobs(ctx, cfg); err != nil {
		add("object_store", "fail", err.Error())
	} else {
		add("object_store", "ok", cfg.ObjectStore)
	}
	cancel()

	if profiles, err := config.LoadAllTenants(cfg.TenantsDir); err != nil {
		add("tenant_profiles", "fail", err.Error())
	} else if len(profiles) == 0 {
		add("tenant_profiles", "warn", fmt.Sprintf("no tenant_*.yaml under %s", cfg.TenantsDir))
	} else {
		dests := 0
		for _, p := range profiles {
			dests += len(p.Destinations)
		}
		add("tenant_profiles", "ok", fmt.Sprintf("%d tenants, %d destinations", len(profiles), dests))
	}

	seedPath := filepath.Join(dataDir(), "signer.seed")
	switch {
	case cfg.ServerSignerSeed != "":
		add("server_signer", "ok", "seed from SERVER_SIGNER_SEED")
	case fileExists(seedPath):
		add("server_signer", "ok", "persisted seed at "+seedPath)
	case cfg.Environment == "production":
		add("server_signer", "fail", "production requires SERVER_SIGNER_SEED or "+seedPath)
	default:
		add("server_signer", "warn", "will generate a seed on first run")
	}

	if cfg.IngestToken == "" {
		add("ingest_token", "warn", "INGEST_TOKEN unset; ingest proxy rejects all calls")
	} else {
		add("ingest_token", "ok", "set")
	}

	if cfg.PresignSecret == "" {
		add("presign_secret", "warn", "PRESIGN_SECRET unset; evidence presign is disabled")
	} else {
		add("presign_secret", "ok", "set")
	}

	if cfg.OpsWebhookURL == "" {
		add("ops_webhook", "warn", "OPS_WEBHOOK_URL unset; operator alerts stay in the outbox")
	} else {
		add("ops_webhook", "ok", cfg.OpsWebhookURL)
	}

	fmt.Fprintf(stdout, "\n%sSettld Doctor%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintln(stdout, "─────────────")
	for _, r := range results {
		icon := ColorGreen + "ok  " + ColorReset
		switch r.Status {
		case "warn":
			icon = ColorYellow + "warn" + ColorReset
		case "fail":
			icon = ColorRed + "FAIL" + ColorReset
		}
		fmt.Fprintf(stdout, "  %s  %-16s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	fmt.Fprintf(stdout, "\n%sSome checks failed.%s\n", ColorRed+ColorBold, ColorReset)
	return 1
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
