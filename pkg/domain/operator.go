package domain

import (
	"github.com/settld-labs/settld/pkg/events"
)

// Operator statuses.
const (
	OperatorActive   = "active"
	OperatorInactive = "inactive"
)

// OperatorShift is one published coverage shift.
type OperatorShift struct {
	ShiftID       string   `json:"shiftId"`
	Window        Window   `json:"window"`
	Zones         []string `json:"zones"`
	MaxConcurrent int      `json:"maxConcurrent"`
}

// Operator is the reduced view of an operator stream.
type Operator struct {
	ID            string          `json:"id"`
	Zones         []string        `json:"zones"`
	PublicKey     string          `json:"publicKey"`
	SignerKeyID   string          `json:"signerKeyId"`
	MaxConcurrent int             `json:"maxConcurrent"`
	Status        string          `json:"status"`
	StatusReason  string          `json:"statusReason,omitempty"`
	Shifts        []OperatorShift `json:"shifts,omitempty"`

	Version       int    `json:"version"`
	HeadChainHash string `json:"headChainHash,omitempty"`
}

// CoversZone reports whether the operator serves a zone at all.
func (o *Operator) CoversZone(zone string) bool {
	for _, z := range o.Zones {
		if z == zone {
			return true
		}
	}
	return false
}

// OnShift returns the shift active at the instant at that covers zone, or
// nil when the operator is off shift there.
func (o *Operator) OnShift(zone, at string) *OperatorShift {
	for i := range o.Shifts {
		s := &o.Shifts[i]
		if s.Window.Contains(at) {
			for _, z := range s.Zones {
				if z == zone {
					return s
				}
			}
		}
	}
	return nil
}

// ShiftCovering returns the shift whose window contains w and whose zones
// include zone, or nil. Shift zone lists override the operator's defaults.
func (o *Operator) ShiftCovering(zone string, w Window) *OperatorShift {
	for i := range o.Shifts {
		s := &o.Shifts[i]
		if s.Window.StartAt <= w.StartAt && w.EndAt <= s.Window.EndAt {
			for _, z := range s.Zones {
				if z == zone {
					return s
				}
			}
		}
	}
	return nil
}

// ReduceOperator folds an operator stream.
func ReduceOperator(evs []events.Event) (*Operator, error) {
	o := &Operator{}
	for i := range evs {
		if err := o.apply(evs[i]); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Operator) apply(e events.Event) error {
	illegal := func(detail string) error {
		return &TransitionError{Aggregate: AggregateOperator, From: o.Status, EventType: e.Type, Detail: detail}
	}
	if o.Version == 0 && e.Type != EvOperatorRegistered {
		return illegal("stream must start with OPERATOR_REGISTERED")
	}

	switch e.Type {
	case EvOperatorRegistered:
		if o.Version != 0 {
			return illegal("already registered")
		}
		var p OperatorRegisteredPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		_, o.ID = events.SplitStreamID(e.StreamID)
		o.Zones = p.Zones
		o.PublicKey = p.PublicKey
		o.SignerKeyID = p.SignerKeyID
		o.MaxConcurrent = p.MaxConcurrent
		o.Status = OperatorActive

	case EvOperatorShiftSet:
		var p OperatorShiftPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if !p.Window.Valid() {
			return illegal("invalid shift window")
		}
		maxc := p.MaxConcurrent
		if maxc == 0 {
			maxc = o.MaxConcurrent
		}
		zones := p.Zones
		if len(zones) == 0 {
			zones = o.Zones
		}
		shift := OperatorShift{ShiftID: p.ShiftID, Window: p.Window, Zones: zones, MaxConcurrent: maxc}
		replaced := false
		for i := range o.Shifts {
			if o.Shifts[i].ShiftID == p.ShiftID {
				o.Shifts[i] = shift
				replaced = true
				break
			}
		}
		if !replaced {
			o.Shifts = append(o.Shifts, shift)
		}

	case EvOperatorStatusChanged:
		var p StatusChangedPayload
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		switch p.Status {
		case OperatorActive, OperatorInactive:
		default:
			return illegal("unknown status " + p.Status)
		}
		o.Status = p.Status
		o.StatusReason = p.Reason

	default:
		return illegal("unknown event type")
	}

	o.Version++
	o.HeadChainHash = e.ChainHash
	return nil
}
