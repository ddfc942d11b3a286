package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

func (s *Server) robotState(ctx context.Context, tenantID, robotID string) ([]events.Event, *domain.Robot, error) {
	evs, err := s.store.Events(ctx, tenantID, events.StreamID(domain.AggregateRobot, robotID))
	if err != nil {
		return nil, nil, err
	}
	if len(evs) == 0 {
		return nil, nil, store.ErrNotFound
	}
	robot, err := domain.ReduceRobot(evs)
	if err != nil {
		return nil, nil, err
	}
	return evs, robot, nil
}

func (s *Server) handleRobotRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RobotID      string   `json:"robotId"`
		Zone         string   `json:"zone"`
		PublicKey    string   `json:"publicKey"`
		SignerKeyID  string   `json:"signerKeyId"`
		TrustScore   int      `json:"trustScore"`
		Capabilities []string `json:"capabilities"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Zone == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "zone is required")
		return
	}
	if (req.PublicKey == "") != (req.SignerKeyID == "") {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"publicKey and signerKeyId must be provided together")
		return
	}
	if req.RobotID == "" {
		req.RobotID = "rob_" + uuid.NewString()
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, err := s.store.Events(ctx, tenantID, events.StreamID(domain.AggregateRobot, req.RobotID))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	e, err := events.New(events.StreamID(domain.AggregateRobot, req.RobotID), domain.EvRobotRegistered,
		requestActor(r, events.ActorOps),
		domain.RobotRegisteredPayload{
			RobotID:      req.RobotID,
			Zone:         req.Zone,
			PublicKey:    req.PublicKey,
			SignerKeyID:  req.SignerKeyID,
			TrustScore:   req.TrustScore,
			Capabilities: req.Capabilities,
		}, events.HeadHash(prior), s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	robot, err := domain.ReduceRobot(append(append([]events.Event(nil), prior...), e))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	op, err := store.AppendRobotEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	ops := []store.Op{op}
	if req.SignerKeyID != "" {
		ops = append(ops, store.UpsertSignerKey(&store.SignerKey{
			TenantID:     tenantID,
			KeyID:        req.SignerKeyID,
			Owner:        "robot",
			OwnerID:      req.RobotID,
			PublicKey:    req.PublicKey,
			Status:       signerKeyActive,
			RegisteredAt: events.FormatTime(s.now()),
		}))
	}
	if err := s.store.CommitTx(ctx, tenantID, ops); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateRobot).Inc()
	writeJSON(w, http.StatusCreated, robot)
}

func (s *Server) handleRobotGet(w http.ResponseWriter, r *http.Request) {
	_, robot, err := s.robotState(r.Context(), s.tenantID(r), r.PathValue("id"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, robot)
}

// handleRobotEventsAppend accepts externally signed robot lifecycle events.
func (s *Server) handleRobotEventsAppend(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("id")
	var req struct {
		Events []events.Event `json:"events"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "events must not be empty")
		return
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, _, err := s.robotState(ctx, tenantID, robotID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !requireHead(w, r, prior) {
		return
	}
	dir, err := s.signerDirectory(ctx, tenantID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	streamID := events.StreamID(domain.AggregateRobot, robotID)
	evs := append([]events.Event(nil), prior...)
	for i := range req.Events {
		e := req.Events[i]
		if e.StreamID != streamID {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
				"event streamId must be "+streamID)
			return
		}
		if cerr := events.VerifyEvent(e, events.HeadHash(evs), len(evs)); cerr != nil {
			WriteFromError(w, s.log, cerr)
			return
		}
		if err := domain.VerifySignaturePolicy(e, dir); err != nil {
			WriteFromError(w, s.log, err)
			return
		}
		evs = append(evs, e)
	}
	if _, err := domain.ReduceRobot(evs); err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	op, err := store.AppendRobotEvents(evs[len(prior):]...)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{op}); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateRobot).Add(float64(len(req.Events)))
	writeJSON(w, http.StatusOK, map[string]any{
		"appended":  len(req.Events),
		"chainHash": headValue(evs),
	})
}

// robotCommand appends one server-built event to a robot stream.
func (s *Server) robotCommand(w http.ResponseWriter, r *http.Request, robotID, eventType string, payload any) {
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, _, err := s.robotState(ctx, tenantID, robotID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !optionalHead(w, r, prior) {
		return
	}
	e, err := events.New(events.StreamID(domain.AggregateRobot, robotID), eventType,
		requestActor(r, events.ActorOps), payload, events.HeadHash(prior), s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	robot, err := domain.ReduceRobot(append(append([]events.Event(nil), prior...), e))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	op, err := store.AppendRobotEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{op}); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateRobot).Inc()
	writeJSON(w, http.StatusOK, robot)
}

func (s *Server) handleRobotAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Windows []domain.Window `json:"windows"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	for _, win := range req.Windows {
		if !win.Valid() {
			writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
				"availability window invalid: "+win.StartAt+".."+win.EndAt)
			return
		}
	}
	s.robotCommand(w, r, r.PathValue("id"), domain.EvRobotAvailabilitySet,
		domain.RobotAvailabilityPayload{Windows: req.Windows})
}

func (s *Server) handleRobotStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	switch req.Status {
	case domain.RobotActive, domain.RobotDisabled, domain.RobotQuarantined:
	default:
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"status must be active, disabled, or quarantined")
		return
	}
	s.robotCommand(w, r, r.PathValue("id"), domain.EvRobotStatusChanged,
		domain.StatusChangedPayload{Status: req.Status, Reason: req.Reason})
}
