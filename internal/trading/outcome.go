package trading

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/settlement"
)

// ErrUnhedged means the home leg executed but the hedge did not. The user
// holds a naked position until an operator intervenes.
var ErrUnhedged = errors.New("trading: unhedged position")

// ErrUnconfirmedFill means both legs were placed but a fill could not be
// read back. The ledger row was written from the requested volumes and
// flagged for reconciliation; the returned Outcome carries it.
var ErrUnconfirmedFill = errors.New("trading: fill unconfirmed")

var errNoFills = errors.New("order reported no fills")

// State is the lifecycle position of one (user, asset) lot.
type State string

const (
	StateNone       State = "NONE"
	StateEntering   State = "ENTERING"
	StateOpen       State = "OPEN"
	StatePyramiding State = "PYRAMIDING"
	StateExiting    State = "EXITING"
	StateClosed     State = "CLOSED"
)

// StateOf derives the resting state from an open lot.
func StateOf(lot []domain.Position) State {
	switch {
	case len(lot) == 0:
		return StateNone
	case len(lot) == 1:
		return StateOpen
	}
	return StatePyramiding
}

// Action is what Evaluate did.
type Action string

const (
	ActionNone      Action = "none"
	ActionAborted   Action = "aborted"
	ActionEntered   Action = "entered"
	ActionPyramided Action = "pyramided"
	ActionExited    Action = "exited"
)

// Reason qualifies ActionNone and ActionAborted.
type Reason string

const (
	ReasonInactive          Reason = "inactive"
	ReasonVenueMismatch     Reason = "venue_mismatch"
	ReasonNoSlice           Reason = "no_slice"
	ReasonNoRate            Reason = "no_rate"
	ReasonNotSelected       Reason = "not_selected"
	ReasonNoSignal          Reason = "no_signal"
	ReasonDivisionsUsed     Reason = "divisions_exhausted"
	ReasonHomeBalance       Reason = "home_balance"
	ReasonForeignBalance    Reason = "foreign_balance"
	ReasonAveragingDisabled Reason = "average_down_disabled"
	ReasonAboveAverage      Reason = "above_average"
	ReasonLocked            Reason = "locked"
	ReasonRecheckFailed     Reason = "recheck_failed"
	ReasonStale             Reason = "stale_rate"
	ReasonMissingOrderID    Reason = "missing_order_id"
	ReasonNoFill            Reason = "no_fill"
	ReasonBelowLotSize      Reason = "below_lot_size"
	ReasonLotChanged        Reason = "lot_changed"
	ReasonFillUnconfirmed   Reason = "fill_unconfirmed"
	ReasonNone              Reason = ""
)

// Outcome reports one evaluation. Expected aborts are outcomes, not errors.
type Outcome struct {
	Action     Action
	Reason     Reason
	Triple     domain.Triple
	UserID     int64
	State      State
	Rate       *decimal.Decimal
	Position   *domain.Position
	Settlement *settlement.Settlement
}

func none(reason Reason) Outcome {
	return Outcome{Action: ActionNone, Reason: reason}
}

func aborted(reason Reason) Outcome {
	return Outcome{Action: ActionAborted, Reason: reason}
}
