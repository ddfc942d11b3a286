package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
	"github.com/settld-labs/settld/pkg/store"
)

func (s *Server) operatorState(ctx context.Context, tenantID, operatorID string) ([]events.Event, *domain.Operator, error) {
	evs, err := s.store.Events(ctx, tenantID, events.StreamID(domain.AggregateOperator, operatorID))
	if err != nil {
		return nil, nil, err
	}
	if len(evs) == 0 {
		return nil, nil, store.ErrNotFound
	}
	op, err := domain.ReduceOperator(evs)
	if err != nil {
		return nil, nil, err
	}
	return evs, op, nil
}

func (s *Server) handleOperatorRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperatorID    string   `json:"operatorId"`
		Zones         []string `json:"zones"`
		PublicKey     string   `json:"publicKey"`
		SignerKeyID   string   `json:"signerKeyId"`
		MaxConcurrent int      `json:"maxConcurrent"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.Zones) == 0 {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "zones must not be empty")
		return
	}
	if (req.PublicKey == "") != (req.SignerKeyID == "") {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"publicKey and signerKeyId must be provided together")
		return
	}
	if req.OperatorID == "" {
		req.OperatorID = "opr_" + uuid.NewString()
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = 1
	}
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, err := s.store.Events(ctx, tenantID, events.StreamID(domain.AggregateOperator, req.OperatorID))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	e, err := events.New(events.StreamID(domain.AggregateOperator, req.OperatorID), domain.EvOperatorRegistered,
		requestActor(r, events.ActorOps),
		domain.OperatorRegisteredPayload{
			OperatorID:    req.OperatorID,
			Zones:         req.Zones,
			PublicKey:     req.PublicKey,
			SignerKeyID:   req.SignerKeyID,
			MaxConcurrent: req.MaxConcurrent,
		}, events.HeadHash(prior), s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	operator, err := domain.ReduceOperator(append(append([]events.Event(nil), prior...), e))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}

	op, err := store.AppendOperatorEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	ops := []store.Op{op}
	if req.SignerKeyID != "" {
		ops = append(ops, store.UpsertSignerKey(&store.SignerKey{
			TenantID:     tenantID,
			KeyID:        req.SignerKeyID,
			Owner:        "operator",
			OwnerID:      req.OperatorID,
			PublicKey:    req.PublicKey,
			Status:       signerKeyActive,
			RegisteredAt: events.FormatTime(s.now()),
		}))
	}
	if err := s.store.CommitTx(ctx, tenantID, ops); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateOperator).Inc()
	writeJSON(w, http.StatusCreated, operator)
}

func (s *Server) handleOperatorGet(w http.ResponseWriter, r *http.Request) {
	_, operator, err := s.operatorState(r.Context(), s.tenantID(r), r.PathValue("id"))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, operator)
}

// operatorCommand appends one server-built event to an operator stream.
func (s *Server) operatorCommand(w http.ResponseWriter, r *http.Request, operatorID, eventType string, payload any) {
	tenantID := s.tenantID(r)
	ctx := r.Context()

	prior, _, err := s.operatorState(ctx, tenantID, operatorID)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if !optionalHead(w, r, prior) {
		return
	}
	e, err := events.New(events.StreamID(domain.AggregateOperator, operatorID), eventType,
		requestActor(r, events.ActorOps), payload, events.HeadHash(prior), s.now())
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	operator, err := domain.ReduceOperator(append(append([]events.Event(nil), prior...), e))
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	op, err := store.AppendOperatorEvents(e)
	if err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	if err := s.store.CommitTx(ctx, tenantID, []store.Op{op}); err != nil {
		WriteFromError(w, s.log, err)
		return
	}
	s.metrics.EventsAppended.WithLabelValues(domain.AggregateOperator).Inc()
	writeJSON(w, http.StatusOK, operator)
}

func (s *Server) handleOperatorShift(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShiftID       string        `json:"shiftId"`
		Window        domain.Window `json:"window"`
		Zones         []string      `json:"zones"`
		MaxConcurrent int           `json:"maxConcurrent"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !req.Window.Valid() {
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed, "window invalid")
		return
	}
	if req.ShiftID == "" {
		req.ShiftID = "shf_" + uuid.NewString()
	}
	s.operatorCommand(w, r, r.PathValue("id"), domain.EvOperatorShiftSet,
		domain.OperatorShiftPayload{
			ShiftID:       req.ShiftID,
			Window:        req.Window,
			Zones:         req.Zones,
			MaxConcurrent: req.MaxConcurrent,
		})
}

func (s *Server) handleOperatorStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	switch req.Status {
	case domain.OperatorActive, domain.OperatorInactive:
	default:
		writeError(w, http.StatusBadRequest, domain.CodeValidationFailed,
			"status must be active or inactive")
		return
	}
	s.operatorCommand(w, r, r.PathValue("id"), domain.EvOperatorStatusChanged,
		domain.StatusChangedPayload{Status: req.Status, Reason: req.Reason})
}
