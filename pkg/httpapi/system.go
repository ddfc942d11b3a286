package httpapi

import (
	"net/http"

	"github.com/settld-labs/settld/pkg/store"
)

// handleHealthz answers liveness plus a shallow store probe. Queue depth
// rides along so a dashboard poll sees backlog without a second call.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.OutboxDepth(r.Context(), "")
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"store":  "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"build":  s.build,
		"outbox": depth,
	})
}

// handleCapabilities advertises the protocol window and feature set so
// clients can negotiate before pinning a version.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"protocol": map[string]any{
			"current":   ProtocolCurrent,
			"min":       ProtocolMin,
			"supported": SupportedProtocols,
		},
		"build": s.build,
		"features": []string{
			"jobs",
			"robots",
			"operators",
			"agent-runs",
			"escrow",
			"marketplace",
			"contracts",
			"disputes",
			"proof-gate",
			"month-close",
			"artifact-delivery",
			"evidence-presign",
			"ingest-proxy",
			"governance",
		},
		"limits": map[string]any{
			"maxBodyBytes":   maxBodyBytes,
			"maxIngestBatch": maxIngestBatch,
		},
		"topics": []string{
			store.TopicDispatch,
			store.TopicProofEval,
			store.TopicArtifactBuild,
			store.TopicMonthClose,
			store.TopicJobStalled,
			store.TopicEscalation,
			store.TopicOperatorAssist,
		},
	})
}
