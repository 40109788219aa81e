package orchestrator

import (
	"sync"
)

// Status is the UI-visible sync state.
type Status int

const (
	Unknown Status = iota
	InSync
	Syncing
	Error
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case InSync:
		return "IN_SYNC"
	case Syncing:
		return "SYNCING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StatusMachine tracks the orchestrator's current status and notifies
// observers (typically a UI shell) of every
// transition. It is also the single mutual-exclusion gate for sync cycles:
// only one cycle may be Syncing at a time.
type StatusMachine struct {
	mu        sync.Mutex
	status    Status
	lastErr   error
	observers []func(Status)
}

// NewStatusMachine creates a StatusMachine starting at Unknown.
func NewStatusMachine() *StatusMachine {
	return &StatusMachine{status: Unknown}
}

// Current returns the current status.
func (m *StatusMachine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// LastError returns the error that produced the most recent Error status,
// or nil if the current status is not Error.
func (m *StatusMachine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastErr
}

// Observe registers fn to be called, synchronously, on every transition.
// Intended for the CLI/UI layer; fn must not block or re-enter the machine.
func (m *StatusMachine) Observe(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, fn)
}

// tryBeginSync transitions to Syncing iff the machine is not already
// Syncing, returning false (and ErrAlreadySyncing semantics are the
// caller's responsibility) when a cycle is already running. This is the
// cycle mutex: a single status flag gates the orchestrator.
func (m *StatusMachine) tryBeginSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == Syncing {
		return false
	}

	m.transitionLocked(Syncing, nil)

	return true
}

// endSync transitions out of Syncing according to the cycle's outcome:
//   - err != nil              -> Error
//   - hadPiggyback            -> Unknown (state may have changed)
//   - otherwise               -> InSync
func (m *StatusMachine) endSync(err error, hadPiggyback bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err != nil:
		m.transitionLocked(Error, err)
	case hadPiggyback:
		m.transitionLocked(Unknown, nil)
	default:
		m.transitionLocked(InSync, nil)
	}
}

// setUnknown transitions directly to Unknown, used when the provider isn't
// ready without ever entering Syncing.
func (m *StatusMachine) setUnknown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transitionLocked(Unknown, nil)
}

func (m *StatusMachine) transitionLocked(next Status, err error) {
	m.status = next
	m.lastErr = err

	for _, obs := range m.observers {
		obs(next)
	}
}
