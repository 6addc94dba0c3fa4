package escrow

import "strings"

// State is the lifecycle state of an escrow instance.
type State uint8

const (
	StateAwaitingPayment State = iota
	StateAwaitingConfirmation
	StateDispute
	StateReleased
	StateRefunded
	StateCancelled
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateAwaitingPayment, StateAwaitingConfirmation, StateDispute, StateReleased, StateRefunded, StateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is defined from s.
func (s State) Terminal() bool {
	switch s {
	case StateReleased, StateRefunded, StateCancelled:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateAwaitingPayment:
		return "AwaitingPayment"
	case StateAwaitingConfirmation:
		return "AwaitingConfirmation"
	case StateDispute:
		return "Dispute"
	case StateReleased:
		return "Released"
	case StateRefunded:
		return "Refunded"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// States lists every lifecycle state in declaration order.
func States() []State {
	return []State{StateAwaitingPayment, StateAwaitingConfirmation, StateDispute, StateReleased, StateRefunded, StateCancelled}
}

// ParseState resolves the canonical state name, ignoring case.
func ParseState(name string) (State, bool) {
	for s := StateAwaitingPayment; s <= StateCancelled; s++ {
		if strings.EqualFold(strings.TrimSpace(name), s.String()) {
			return s, true
		}
	}
	return 0, false
}

// Role identifies which party an identity acts as.
type Role uint8

const (
	RoleSender Role = iota + 1
	RoleReceiver
	RoleArbitrator
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	case RoleArbitrator:
		return "arbitrator"
	default:
		return "unknown"
	}
}

// Operation names a mutating escrow operation.
type Operation string

const (
	OpDeposit        Operation = "deposit"
	OpCancel         Operation = "cancel"
	OpConfirmReceipt Operation = "confirmReceipt"
	OpRaiseDispute   Operation = "raiseDispute"
	OpArbitrate      Operation = "arbitrate"
)

// Transition describes one edge family of the state machine: the operation is
// legal only from From, only for callers holding one of Roles, and lands in
// one of To.
type Transition struct {
	Op    Operation
	From  State
	Roles []Role
	To    []State
}

var transitions = []Transition{
	{Op: OpDeposit, From: StateAwaitingPayment, Roles: []Role{RoleSender}, To: []State{StateAwaitingConfirmation}},
	{Op: OpCancel, From: StateAwaitingPayment, Roles: []Role{RoleSender}, To: []State{StateCancelled}},
	{Op: OpConfirmReceipt, From: StateAwaitingConfirmation, Roles: []Role{RoleReceiver}, To: []State{StateReleased}},
	{Op: OpRaiseDispute, From: StateAwaitingConfirmation, Roles: []Role{RoleSender, RoleReceiver}, To: []State{StateDispute}},
	{Op: OpArbitrate, From: StateDispute, Roles: []Role{RoleArbitrator}, To: []State{StateReleased, StateRefunded}},
}

// Transitions returns a copy of the transition table.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	for i, t := range transitions {
		out[i] = Transition{
			Op:    t.Op,
			From:  t.From,
			Roles: append([]Role(nil), t.Roles...),
			To:    append([]State(nil), t.To...),
		}
	}
	return out
}

func lookupTransition(op Operation) (Transition, bool) {
	for _, t := range transitions {
		if t.Op == op {
			return t, true
		}
	}
	return Transition{}, false
}

// Allowed reports whether op may be invoked from state s by some party.
func Allowed(s State, op Operation) bool {
	t, ok := lookupTransition(op)
	return ok && t.From == s
}

func (t Transition) permits(roles []Role) bool {
	for _, held := range roles {
		for _, allowed := range t.Roles {
			if held == allowed {
				return true
			}
		}
	}
	return false
}
