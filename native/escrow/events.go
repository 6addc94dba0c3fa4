package escrow

import (
	"github.com/holiman/uint256"

	"escrowchain/core/types"
)

const (
	EventTypeEscrowCreated       = "escrow.created"
	EventTypeFundsDeposited      = "escrow.deposited"
	EventTypeReceiptConfirmed    = "escrow.confirmed"
	EventTypeDisputeRaised       = "escrow.disputed"
	EventTypeFundsReleased       = "escrow.released"
	EventTypeFundsRefunded       = "escrow.refunded"
	EventTypeEscrowCancelled     = "escrow.cancelled"
	EventTypeArbitrationDecision = "escrow.arbitrated"
)

// Arbitration decision labels carried by ArbitrationDecision.
const (
	DecisionReleaseToReceiver = "Release to Receiver"
	DecisionRefundToSender    = "Refund to Sender"
)

// EscrowCreated is emitted once when the instance is constructed.
type EscrowCreated struct {
	Sender     Identity
	Receiver   Identity
	Arbitrator Identity
	Amount     *uint256.Int
}

func (EscrowCreated) EventType() string { return EventTypeEscrowCreated }

func (e EscrowCreated) Event() *types.Event {
	return &types.Event{
		Type: EventTypeEscrowCreated,
		Attributes: map[string]string{
			"sender":     e.Sender.String(),
			"receiver":   e.Receiver.String(),
			"arbitrator": e.Arbitrator.String(),
			"amount":     formatAmount(e.Amount),
		},
	}
}

// FundsDeposited is emitted when the sender's deposit is recorded.
type FundsDeposited struct {
	Amount *uint256.Int
}

func (FundsDeposited) EventType() string { return EventTypeFundsDeposited }

func (e FundsDeposited) Event() *types.Event {
	return &types.Event{
		Type:       EventTypeFundsDeposited,
		Attributes: map[string]string{"amount": formatAmount(e.Amount)},
	}
}

// ReceiptConfirmed is emitted after the receiver's confirmation released the
// funds.
type ReceiptConfirmed struct {
	Receiver Identity
}

func (ReceiptConfirmed) EventType() string { return EventTypeReceiptConfirmed }

func (e ReceiptConfirmed) Event() *types.Event {
	return &types.Event{
		Type:       EventTypeReceiptConfirmed,
		Attributes: map[string]string{"receiver": e.Receiver.String()},
	}
}

// DisputeRaised is emitted when the sender or receiver escalates.
type DisputeRaised struct {
	By Identity
}

func (DisputeRaised) EventType() string { return EventTypeDisputeRaised }

func (e DisputeRaised) Event() *types.Event {
	return &types.Event{
		Type:       EventTypeDisputeRaised,
		Attributes: map[string]string{"by": e.By.String()},
	}
}

// FundsReleased is emitted when custody confirmed the transfer to the receiver.
type FundsReleased struct {
	Receiver Identity
	Amount   *uint256.Int
}

func (FundsReleased) EventType() string { return EventTypeFundsReleased }

func (e FundsReleased) Event() *types.Event {
	return &types.Event{
		Type: EventTypeFundsReleased,
		Attributes: map[string]string{
			"receiver": e.Receiver.String(),
			"amount":   formatAmount(e.Amount),
		},
	}
}

// FundsRefunded is emitted when custody confirmed the transfer back to the
// sender.
type FundsRefunded struct {
	Sender Identity
	Amount *uint256.Int
}

func (FundsRefunded) EventType() string { return EventTypeFundsRefunded }

func (e FundsRefunded) Event() *types.Event {
	return &types.Event{
		Type: EventTypeFundsRefunded,
		Attributes: map[string]string{
			"sender": e.Sender.String(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// EscrowCancelled is emitted when the sender cancels before depositing.
type EscrowCancelled struct{}

func (EscrowCancelled) EventType() string { return EventTypeEscrowCancelled }

func (EscrowCancelled) Event() *types.Event {
	return &types.Event{Type: EventTypeEscrowCancelled, Attributes: map[string]string{}}
}

// ArbitrationDecision is emitted after the arbitrator's movement completed.
type ArbitrationDecision struct {
	Arbitrator Identity
	Decision   string
}

func (ArbitrationDecision) EventType() string { return EventTypeArbitrationDecision }

func (e ArbitrationDecision) Event() *types.Event {
	return &types.Event{
		Type: EventTypeArbitrationDecision,
		Attributes: map[string]string{
			"arbitrator": e.Arbitrator.String(),
			"decision":   e.Decision,
		},
	}
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
