package escrow

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"escrowchain/core/events"
)

// Machine owns the state of a single escrow instance and enforces every
// transition guard. Operations take the caller identity explicitly.
//
// Movements follow checks-effects-interactions ordering: the guard is checked
// and the destination state committed before the environment is asked to
// transfer value, so a call re-entering the machine from Transfer observes the
// post-transition state and is rejected by the ordinary guards. A failed
// transfer restores the previous state.
type Machine struct {
	mu      sync.Mutex
	parties Parties
	amount  *uint256.Int
	state   State

	// pending holds events in transition order until a flush hands them to
	// the emitter. Only one goroutine flushes at a time.
	pending  []events.Event
	flushing bool

	env     Environment
	emitter events.Emitter
}

// Create constructs a new instance. The creator becomes the sender. A nil
// emitter discards events.
func Create(env Environment, emitter events.Emitter, creator, receiver, arbitrator Identity) (*Machine, error) {
	parties := Parties{Sender: creator, Receiver: receiver, Arbitrator: arbitrator}
	if err := parties.Validate(); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, errNilEnvironment
	}
	m := &Machine{
		parties: parties,
		amount:  uint256.NewInt(0),
		state:   StateAwaitingPayment,
		env:     env,
		emitter: emitterOrNoop(emitter),
	}
	m.pending = append(m.pending, EscrowCreated{
		Sender:     parties.Sender,
		Receiver:   parties.Receiver,
		Arbitrator: parties.Arbitrator,
		Amount:     uint256.NewInt(0),
	})
	m.flush()
	return m, nil
}

func emitterOrNoop(emitter events.Emitter) events.Emitter {
	if emitter == nil {
		return events.NoopEmitter{}
	}
	return emitter
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Parties returns the three immutable roles.
func (m *Machine) Parties() Parties {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parties
}

// Amount returns the deposited amount, zero until the deposit succeeds.
func (m *Machine) Amount() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneQuantity(m.amount)
}

// guard checks the operation against the transition table. The state is
// checked before the caller. Callers must hold mu.
func (m *Machine) guard(op Operation, caller Identity) error {
	t, ok := lookupTransition(op)
	if !ok {
		return fmt.Errorf("%w: unknown operation %s", ErrWrongState, op)
	}
	if m.state != t.From {
		return fmt.Errorf("%w: %s not allowed in %s", ErrWrongState, op, m.state)
	}
	if !t.permits(m.parties.Roles(caller)) {
		return fmt.Errorf("%w: %s cannot %s", ErrUnauthorized, caller, op)
	}
	return nil
}

// commit records the new state and queues its events. Callers must hold mu;
// it is released before the emitter runs.
func (m *Machine) commit(next State, evts ...events.Event) {
	m.state = next
	m.pending = append(m.pending, evts...)
	m.mu.Unlock()
	m.flush()
}

// flush drains queued events to the emitter without holding mu, so emitters
// may query the machine. When another goroutine is already flushing, the
// events queued here are delivered by that goroutine.
func (m *Machine) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()
		for _, evt := range batch {
			m.emitter.Emit(evt)
		}
		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}

// Deposit records the escrowed amount. The environment couples the arrival of
// value with this call.
func (m *Machine) Deposit(caller Identity, value *uint256.Int) error {
	return m.DepositFunded(caller, value, nil)
}

// DepositFunded records the escrowed amount once fund has brought the value
// into custody. fund runs only after the guards pass, under the instance lock,
// and receives the snapshot the deposit will commit. It must not call back
// into the machine. A failing fund leaves the instance untouched and its error
// is returned unchanged.
func (m *Machine) DepositFunded(caller Identity, value *uint256.Int, fund func(staged Snapshot) error) error {
	m.mu.Lock()
	if err := m.guard(OpDeposit, caller); err != nil {
		m.mu.Unlock()
		return err
	}
	if value == nil || value.IsZero() {
		m.mu.Unlock()
		return ErrInvalidAmount
	}
	if fund != nil {
		staged := Snapshot{Parties: m.parties, Amount: cloneQuantity(value), State: StateAwaitingConfirmation}
		if err := fund(staged); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.amount = cloneQuantity(value)
	m.commit(StateAwaitingConfirmation, FundsDeposited{Amount: cloneQuantity(value)})
	return nil
}

// Cancel aborts the instance before any funds arrive.
func (m *Machine) Cancel(caller Identity) error {
	m.mu.Lock()
	if err := m.guard(OpCancel, caller); err != nil {
		m.mu.Unlock()
		return err
	}
	m.commit(StateCancelled, EscrowCancelled{})
	return nil
}

// RaiseDispute hands the decision to the arbitrator.
func (m *Machine) RaiseDispute(caller Identity) error {
	m.mu.Lock()
	if err := m.guard(OpRaiseDispute, caller); err != nil {
		m.mu.Unlock()
		return err
	}
	m.commit(StateDispute, DisputeRaised{By: caller})
	return nil
}

// ConfirmReceipt releases the funds to the receiver.
func (m *Machine) ConfirmReceipt(caller Identity) error {
	return m.settle(OpConfirmReceipt, caller, StateReleased, func(p Parties) events.Event {
		return ReceiptConfirmed{Receiver: p.Receiver}
	})
}

// Arbitrate settles a dispute. The decision is final.
func (m *Machine) Arbitrate(caller Identity, toReceiver bool) error {
	target, decision := StateRefunded, DecisionRefundToSender
	if toReceiver {
		target, decision = StateReleased, DecisionReleaseToReceiver
	}
	return m.settle(OpArbitrate, caller, target, func(p Parties) events.Event {
		return ArbitrationDecision{Arbitrator: p.Arbitrator, Decision: decision}
	})
}

// settle performs the single movement of the instance. target must be
// StateReleased or StateRefunded.
func (m *Machine) settle(op Operation, caller Identity, target State, follow func(Parties) events.Event) error {
	m.mu.Lock()
	if err := m.guard(op, caller); err != nil {
		m.mu.Unlock()
		return err
	}
	prev := m.state
	parties := m.parties
	amount := cloneQuantity(m.amount)
	m.state = target
	m.mu.Unlock()

	recipient := parties.Receiver
	var movement events.Event = FundsReleased{Receiver: parties.Receiver, Amount: cloneQuantity(amount)}
	if target == StateRefunded {
		recipient = parties.Sender
		movement = FundsRefunded{Sender: parties.Sender, Amount: cloneQuantity(amount)}
	}

	if err := m.move(recipient, amount); err != nil {
		m.mu.Lock()
		m.state = prev
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.pending = append(m.pending, movement, follow(parties))
	m.mu.Unlock()
	m.flush()
	return nil
}

// move directs amount out of custody. It runs without mu held so the
// environment may call back into the machine.
func (m *Machine) move(to Identity, amount *uint256.Int) error {
	balance := m.env.Balance()
	if balance == nil || balance.Lt(amount) {
		return fmt.Errorf("%w: custody balance %s below escrow amount %s", ErrTransferFailed, cloneQuantity(balance).Dec(), amount.Dec())
	}
	if err := m.env.Transfer(to, cloneQuantity(amount)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}
