package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/governance"
	"github.com/settld-labs/settld/pkg/store"
)

// Signer key row statuses.
const (
	signerKeyActive  = "active"
	signerKeyRevoked = "revoked"
)

// storeAgentKeys backs agent request auth with the store's public-key rows.
type storeAgentKeys struct {
	rows store.RowReader
}

func (k *storeAgentKeys) AgentKey(ctx context.Context, tenantID, keyID string) (*auth.AgentKey, error) {
	row, err := k.rows.PublicKeyByID(ctx, tenantID, keyID)
	if err != nil {
		return nil, err
	}
	return &auth.AgentKey{
		TenantID:  row.TenantID,
		AgentID:   row.AgentID,
		KeyID:     row.KeyID,
		PublicKey: row.PublicKey,
		Revoked:   row.Revoked,
	}, nil
}

// readJSON decodes a capped JSON body, answering the request itself on
// failure.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// tenantView loads the events, settings, and read view a validating write
// needs.
func (s *Server) tenantView(ctx context.Context, tenantID string) (*store.View, domain.PolicySettings, error) {
	settings, err := store.TenantSettings(ctx, s.store, tenantID, events.FormatTime(s.now()))
	if err != nil {
		return nil, domain.PolicySettings{}, err
	}
	return store.NewView(ctx, s.store, tenantID, settings), settings, nil
}

// signerDirectory assembles the key directory signature policy checks run
// against: the platform's reduced server-signer governance, the derived
// tenant server key, and the tenant's enrolled actor keys.
func (s *Server) signerDirectory(ctx context.Context, tenantID string) (*governance.Directory, error) {
	_, signerID := events.SplitStreamID(domain.GovernanceSignerStream)
	g := &domain.Governance{SignerKeys: map[string]*domain.SignerKeyState{}}
	row, err := s.store.Aggregate(ctx, domain.DefaultTenantID, domain.AggregateGovernance, signerID)
	switch {
	case err == nil:
		if g, err = store.DecodeState[domain.Governance](row); err != nil {
			return nil, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	// The derived tenant signer is trusted by construction, unless
	// governance has explicitly revoked its key id.
	if s.keyring != nil {
		signer, err := s.keyring.TenantSigner(tenantID)
		if err != nil {
			return nil, err
		}
		if g.SignerKeys == nil {
			g.SignerKeys = map[string]*domain.SignerKeyState{}
		}
		if _, known := g.SignerKeys[signer.KeyID()]; !known {
			g.SignerKeys[signer.KeyID()] = &domain.SignerKeyState{
				KeyID:     signer.KeyID(),
				PublicKey: signer.PublicKey(),
				Owner:     "server",
			}
		}
	}

	dir := governance.NewDirectory(g)
	keys, err := s.store.ListSignerKeys(ctx, tenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	for _, k := range keys {
		dir.PutActorKey(governance.ActorKey{
			KeyID:     k.KeyID,
			PublicKey: k.PublicKey,
			Owner:     k.Owner,
			OwnerID:   k.OwnerID,
			Revoked:   k.Status != signerKeyActive,
		})
	}
	return dir, nil
}

// serverSign signs a server-authored event with the tenant's derived key.
func (s *Server) serverSign(tenantID string, e *events.Event) error {
	if s.keyring == nil {
		return errors.New("httpapi: server keyring not configured")
	}
	signer, err := s.keyring.TenantSigner(tenantID)
	if err != nil {
		return err
	}
	return e.SignWith(signer)
}

// jobState loads and reduces one job stream. found is false on an empty
// stream; reduce errors surface as-is.
func (s *Server) jobState(ctx context.Context, tenantID, jobID string) ([]events.Event, *domain.Job, error) {
	evs, err := s.store.Events(ctx, tenantID, events.StreamID(domain.AggregateJob, jobID))
	if err != nil {
		return nil, nil, err
	}
	if len(evs) == 0 {
		return nil, nil, store.ErrNotFound
	}
	job, err := domain.ReduceJob(evs)
	if err != nil {
		return nil, nil, err
	}
	return evs, job, nil
}

func (s *Server) runState(ctx context.Context, tenantID, runID string) ([]events.Event, *domain.AgentRun, error) {
	evs, err := s.store.Events(ctx, tenantID, events.StreamID(domain.AggregateAgentRun, runID))
	if err != nil {
		return nil, nil, err
	}
	if len(evs) == 0 {
		return nil, nil, store.ErrNotFound
	}
	run, err := domain.ReduceAgentRun(evs)
	if err != nil {
		return nil, nil, err
	}
	return evs, run, nil
}

// headValue is the wire form of a stream head: the hash, or "null" for an
// empty stream.
func headValue(prior []events.Event) string {
	head := events.HeadHash(prior)
	if head == nil {
		return "null"
	}
	return *head
}

// requireHead enforces the stream-head precondition on raw event appends.
// The header is mandatory there: a proxy that does not know the head it is
// appending to must be told to fetch it, not silently win a race.
func requireHead(w http.ResponseWriter, r *http.Request, prior []events.Event) bool {
	expected := strings.TrimSpace(r.Header.Get(HeaderExpectedPrev))
	if expected == "" {
		writeError(w, http.StatusPreconditionRequired, CodePreconditionRequired,
			HeaderExpectedPrev+" header is required on event appends")
		return false
	}
	return matchHead(w, expected, prior)
}

// optionalHead honors the precondition header when a caller sends it on a
// command endpoint.
func optionalHead(w http.ResponseWriter, r *http.Request, prior []events.Event) bool {
	expected := strings.TrimSpace(r.Header.Get(HeaderExpectedPrev))
	if expected == "" {
		return true
	}
	return matchHead(w, expected, prior)
}

func matchHead(w http.ResponseWriter, expected string, prior []events.Event) bool {
	current := headValue(prior)
	if expected != current {
		writeErrorDetails(w, http.StatusConflict, store.CodePrevChainHashMismatch,
			"stream head moved", map[string]string{"expected": expected, "current": current})
		return false
	}
	return true
}

// commitJob appends job events plus any extra ops in one transaction.
func (s *Server) commitJob(ctx context.Context, tenantID string, newEvs []events.Event, extra ...store.Op) error {
	op, err := store.AppendJobEvents(newEvs...)
	if err != nil {
		return err
	}
	return s.store.CommitTx(ctx, tenantID, append([]store.Op{op}, extra...))
}
