package finance

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/settld-labs/settld/pkg/canonicalize"
)

// packEpoch is the fixed mtime stamped on every archive member. The zip
// format cannot represent instants before the DOS epoch, so 1980-01-01
// is the earliest stable choice.
var packEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Pack file names inside FinancePackBundle.v1.
const (
	PackStatementFile = "statement.json"
	PackPartiesFile   = "party_statements.json"
	PackGLBatchFile   = "glbatch.json"
	PackJournalFile   = "journal.csv"
	PackProofFile     = "proof_bundle.json"
)

// PackFile is one member of the finance pack archive.
type PackFile struct {
	Name string
	Data []byte
}

// PackFileInfo describes one member in the bundle payload.
type PackFileInfo struct {
	Name      string `json:"name"`
	Sha256    string `json:"sha256"`
	SizeBytes int64  `json:"sizeBytes"`
}

// FinancePackPayload is the FinancePackBundle.v1 payload. ZipRef is the
// object-store ref of the archive, filled in after upload.
type FinancePackPayload struct {
	Month     string         `json:"month"`
	Basis     string         `json:"basis"`
	ProofRoot string         `json:"proofRoot"`
	Files     []PackFileInfo `json:"files"`
	ZipSha256 string         `json:"zipSha256"`
	ZipRef    string         `json:"zipRef,omitempty"`
}

// DeterministicZip archives the files so the same inputs always produce
// the same bytes: members sorted by name, fixed mtime, fixed mode, no
// platform extras.
func DeterministicZip(files []PackFile) ([]byte, error) {
	sorted := make([]PackFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	seen := map[string]bool{}
	for _, f := range sorted {
		if f.Name == "" {
			return nil, fmt.Errorf("archive member with empty name")
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate archive member %s", f.Name)
		}
		seen[f.Name] = true

		hdr := &zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: packEpoch,
		}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("archive member %s: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("archive member %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FinancePack is the assembled close bundle: the archive bytes, the proof
// committing its documents, and the payload describing them.
type FinancePack struct {
	Zip     []byte
	Proof   *MonthProof
	Payload FinancePackPayload
}

// BuildFinancePack renders the close documents to canonical bytes and
// bundles them together with their merkle commitment. Building twice from
// equal inputs yields identical zips, so artifact ids and CAS refs dedupe
// across reruns.
func BuildFinancePack(statement *MonthlyStatement, parties []PartyStatement, batch *GLBatch) (*FinancePack, error) {
	if statement == nil || batch == nil {
		return nil, fmt.Errorf("statement and batch are required")
	}

	stJSON, err := canonicalize.JCS(statement)
	if err != nil {
		return nil, fmt.Errorf("statement: %w", err)
	}
	if parties == nil {
		parties = []PartyStatement{}
	}
	partiesJSON, err := canonicalize.JCS(parties)
	if err != nil {
		return nil, fmt.Errorf("party statements: %w", err)
	}
	batchJSON, err := canonicalize.JCS(batch)
	if err != nil {
		return nil, fmt.Errorf("gl batch: %w", err)
	}
	journal, err := JournalCSV(batch)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	proof, err := BuildMonthProof(statement, parties, batch)
	if err != nil {
		return nil, fmt.Errorf("month proof: %w", err)
	}
	proofJSON, err := canonicalize.JCS(proof)
	if err != nil {
		return nil, fmt.Errorf("month proof: %w", err)
	}

	files := []PackFile{
		{Name: PackStatementFile, Data: stJSON},
		{Name: PackPartiesFile, Data: partiesJSON},
		{Name: PackGLBatchFile, Data: batchJSON},
		{Name: PackJournalFile, Data: journal},
		{Name: PackProofFile, Data: proofJSON},
	}
	zipped, err := DeterministicZip(files)
	if err != nil {
		return nil, err
	}

	payload := FinancePackPayload{
		Month:     statement.Month,
		Basis:     statement.Basis,
		ProofRoot: proof.MerkleRoot,
		ZipSha256: hashHex(zipped),
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	for _, f := range files {
		payload.Files = append(payload.Files, PackFileInfo{
			Name:      f.Name,
			Sha256:    hashHex(f.Data),
			SizeBytes: int64(len(f.Data)),
		})
	}
	return &FinancePack{Zip: zipped, Proof: proof, Payload: payload}, nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
