package domain

import (
	"github.com/settld-labs/settld/pkg/events"
)

// Robot statuses.
const (
	RobotActive      = "active"
	RobotDisabled    = "disabled"
	RobotQuarantined = "quarantined"
)

// Robot is the reduced view of a robot stream.
type Robot struct {
	ID           string   `json:"id"`
	Zone         string   `json:"zone"`
	PublicKey    string   `json:"publicKey"`
	SignerKeyID  string   `json:"signerKeyId"`
	TrustScore   int      `json:"trustScore"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status"`
	StatusReason string   `json:"statusReason,omitempty"`
	Availability []Window `json:"availability,omitempty"`

	Version       int    `json:"version"`
	HeadChainHash string `json:"headChainHash,omitempty"`
}

// Dispatchable reports whether the robot can take new reservations.
func (r *Robot) Dispatchable() bool {
	return r.Status == RobotActive
}

// AvailableDuring reports whether any availability window covers w entirely.
func (r *Robot) AvailableDuring(w Window) bool {
	for _, a := range r.Availability {
		if a.StartAt <= w.StartAt && w.EndAt <= a.EndAt {
			return true
		}
	}
	return false
}

// ReduceRobot folds a robot stream.
func ReduceRobot(evs []events.Event) (*Robot, error) {
	r := &Robot{}
	for i := range evs {
		if err := r.apply(evs[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Robot) apply(e events.Event) error {
	illegal := func(detail string) error {
		return &TransitionError{Aggregate: AggregateRobot, From: r.Status, EventType: e.Type, Detail: detail}
	}
	if r.Version == 0 && e.Type != EvRobotRegistered {
		return illegal("stream must start with ROBOT_REGISTERED")
	}

	switch e.Type {
	case EvRobotRegistered:
		if r.Version != 0 {
			return illegal("already registered")
		}
		var p RobotRegisteredPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		_, r.ID = events.SplitStreamID(e.StreamID)
		r.Zone = p.Zone
		r.PublicKey = p.PublicKey
		r.SignerKeyID = p.SignerKeyID
		r.TrustScore = p.TrustScore
		r.Capabilities = p.Capabilities
		r.Status = RobotActive

	case EvRobotAvailabilitySet:
		var p RobotAvailabilityPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		for _, w := range p.Windows {
			if !w.Valid() {
				return illegal("invalid availability window")
			}
		}
		r.Availability = p.Windows

	case EvRobotStatusChanged:
		var p StatusChangedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		switch p.Status {
		case RobotActive, RobotDisabled, RobotQuarantined:
		default:
			return illegal("unknown status " + p.Status)
		}
		r.Status = p.Status
		r.StatusReason = p.Reason

	default:
		return illegal("unknown event type")
	}

	r.Version++
	r.HeadChainHash = e.ChainHash
	return nil
}
