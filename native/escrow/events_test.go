package escrow_test

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/holiman/uint256"

	"escrowchain/core/events"
	"escrowchain/core/types"
	escrowpkg "escrowchain/native/escrow"
)

func fillIdentity(b byte) escrowpkg.Identity {
	var id escrowpkg.Identity
	copy(id[:], bytes.Repeat([]byte{b}, len(id)))
	return id
}

func TestEscrowEventsHaveDeterministicPayload(t *testing.T) {
	snd := fillIdentity(0xBB)
	rcv := fillIdentity(0xCC)
	arb := fillIdentity(0xDD)

	cases := []struct {
		name  string
		event events.Payload
		typ   string
		attrs map[string]string
	}{
		{
			"created",
			escrowpkg.EscrowCreated{Sender: snd, Receiver: rcv, Arbitrator: arb, Amount: uint256.NewInt(0)},
			escrowpkg.EventTypeEscrowCreated,
			map[string]string{"sender": snd.String(), "receiver": rcv.String(), "arbitrator": arb.String(), "amount": "0"},
		},
		{
			"deposited",
			escrowpkg.FundsDeposited{Amount: uint256.NewInt(42_000)},
			escrowpkg.EventTypeFundsDeposited,
			map[string]string{"amount": "42000"},
		},
		{
			"confirmed",
			escrowpkg.ReceiptConfirmed{Receiver: rcv},
			escrowpkg.EventTypeReceiptConfirmed,
			map[string]string{"receiver": rcv.String()},
		},
		{
			"disputed",
			escrowpkg.DisputeRaised{By: snd},
			escrowpkg.EventTypeDisputeRaised,
			map[string]string{"by": snd.String()},
		},
		{
			"released",
			escrowpkg.FundsReleased{Receiver: rcv, Amount: uint256.NewInt(5)},
			escrowpkg.EventTypeFundsReleased,
			map[string]string{"receiver": rcv.String(), "amount": "5"},
		},
		{
			"refunded",
			escrowpkg.FundsRefunded{Sender: snd, Amount: uint256.NewInt(5)},
			escrowpkg.EventTypeFundsRefunded,
			map[string]string{"sender": snd.String(), "amount": "5"},
		},
		{
			"cancelled",
			escrowpkg.EscrowCancelled{},
			escrowpkg.EventTypeEscrowCancelled,
			map[string]string{},
		},
		{
			"arbitrated",
			escrowpkg.ArbitrationDecision{Arbitrator: arb, Decision: escrowpkg.DecisionReleaseToReceiver},
			escrowpkg.EventTypeArbitrationDecision,
			map[string]string{"arbitrator": arb.String(), "decision": "Release to Receiver"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.event.EventType() != tc.typ {
				t.Fatalf("unexpected event type: %s", tc.event.EventType())
			}
			evt := tc.event.Event()
			if evt == nil {
				t.Fatalf("event function returned nil")
			}
			if evt.Type != tc.typ {
				t.Fatalf("unexpected wire type: %s", evt.Type)
			}
			if !reflect.DeepEqual(evt.Attributes, tc.attrs) {
				t.Fatalf("unexpected attributes: %#v", evt.Attributes)
			}
		})
	}
}

func TestEventAmountDefaultsToZero(t *testing.T) {
	var evt *types.Event = escrowpkg.FundsDeposited{}.Event()
	if evt.Attributes["amount"] != "0" {
		t.Fatalf("nil amount must render as 0, got %q", evt.Attributes["amount"])
	}
}
