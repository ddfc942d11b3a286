package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

var (
	ErrEmptyTenantID      = errors.New("audit: tenant id must not be empty")
	ErrStoreNotConfigured = errors.New("audit: store not configured")
)

// Rows is the slice of the store the exporter reads.
type Rows interface {
	ListAudit(ctx context.Context, tenantID string, limit int) ([]store.AuditRecord, error)
}

// Exporter bundles a tenant's audit trail into a checksummed zip for
// compliance handoff.
type Exporter struct {
	rows Rows
	now  func() time.Time
}

func NewExporter(rows Rows, now func() time.Time) *Exporter {
	if now == nil {
		now = time.Now
	}
	return &Exporter{rows: rows, now: now}
}

type packManifest struct {
	TenantID    string `json:"tenantId"`
	GeneratedAt string `json:"generatedAt"`
	RowCount    int    `json:"rowCount"`
}

// GeneratePack returns the zip bytes and their sha256 hex checksum.
// A limit of zero exports the full trail.
func (e *Exporter) GeneratePack(ctx context.Context, tenantID string, limit int) ([]byte, string, error) {
	if tenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if e.rows == nil {
		return nil, "", ErrStoreNotConfigured
	}

	records, err := e.rows.ListAudit(ctx, tenantID, limit)
	if err != nil {
		return nil, "", fmt.Errorf("audit: list rows: %w", err)
	}
	if records == nil {
		records = []store.AuditRecord{}
	}
	rowsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, "", err
	}

	generatedAt := events.FormatTime(e.now())
	manifestJSON, err := json.MarshalIndent(packManifest{
		TenantID:    tenantID,
		GeneratedAt: generatedAt,
		RowCount:    len(records),
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, entry := range []struct {
		name string
		body []byte
	}{
		{"audit.json", rowsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Audit pack for tenant %s\nGenerated at %s\n", tenantID, generatedAt))},
	} {
		f, err := w.Create(entry.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(entry.body); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
