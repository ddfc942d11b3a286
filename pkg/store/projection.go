package store

import (
	"encoding/json"
	"fmt"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
)

// reduceProjection folds a full stream into its projection row state.
// The committer calls this after appending, so a commit whose events do not
// reduce cleanly fails as a whole.
func reduceProjection(aggregateType string, evs []events.Event) (status string, state json.RawMessage, err error) {
	var v any
	switch aggregateType {
	case domain.AggregateJob:
		j, rerr := domain.ReduceJob(evs)
		if rerr != nil {
			return "", nil, rerr
		}
		status, v = string(j.Status), j
	case domain.AggregateRobot:
		r, rerr := domain.ReduceRobot(evs)
		if rerr != nil {
			return "", nil, rerr
		}
		status, v = r.Status, r
	case domain.AggregateOperator:
		o, rerr := domain.ReduceOperator(evs)
		if rerr != nil {
			return "", nil, rerr
		}
		status, v = o.Status, o
	case domain.AggregateAgentRun:
		r, rerr := domain.ReduceAgentRun(evs)
		if rerr != nil {
			return "", nil, rerr
		}
		status, v = r.Status, r
	case domain.AggregateMonth:
		m, rerr := domain.ReduceMonthClose(evs)
		if rerr != nil {
			return "", nil, rerr
		}
		status = "open"
		if m.Closed {
			status = "closed"
		}
		v = m
	case domain.AggregateGovernance:
		g, rerr := domain.ReduceGovernance(evs)
		if rerr != nil {
			return "", nil, rerr
		}
		status, v = "active", g
	default:
		return "", nil, fmt.Errorf("store: no reducer for aggregate type %q", aggregateType)
	}
	raw, merr := json.Marshal(v)
	if merr != nil {
		return "", nil, fmt.Errorf("store: marshal %s projection: %w", aggregateType, merr)
	}
	return status, raw, nil
}

// checkAppend verifies the OCC precondition and internal linkage of an
// append against the current head. Only the first event is checked against
// the head; the rest must chain onto each other.
func checkAppend(streamID, head string, evs []events.Event) error {
	first := evs[0]
	switch {
	case first.PrevChainHash == nil:
		if head != "" {
			return &ConflictError{Code: CodePrevChainHashMismatch, Key: streamID,
				Detail: "event append conflict: stream exists but append starts at genesis"}
		}
	case *first.PrevChainHash != head:
		return &ConflictError{Code: CodePrevChainHashMismatch, Key: streamID,
			Detail: "event append conflict"}
	}
	prev := first.ChainHash
	for i := 1; i < len(evs); i++ {
		ev := &evs[i]
		if ev.PrevChainHash == nil || *ev.PrevChainHash != prev {
			return &ConflictError{Code: CodePrevChainHashMismatch, Key: streamID,
				Detail: fmt.Sprintf("event %d does not chain onto the batch", i)}
		}
		prev = ev.ChainHash
	}
	return nil
}
