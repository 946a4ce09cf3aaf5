package engine

import (
	"sync"

	"github.com/OpenPeerPower/supervisor/pkg/telemetry"
)

// CoreState is the supervisor-wide lifecycle state.
type CoreState string

const (
	StateInitialize CoreState = "initialize"
	StateSetup      CoreState = "setup"
	StateRunning    CoreState = "running"
	StateFreeze     CoreState = "freeze"
	StateStopping   CoreState = "stopping"
	StateClose      CoreState = "close"
	StateShutdown   CoreState = "shutdown"
)

// AllStates lists every CoreState in declaration order.
var AllStates = []CoreState{
	StateInitialize, StateSetup, StateRunning, StateFreeze,
	StateStopping, StateClose, StateShutdown,
}

// IsTerminal reports whether the state ends scheduled activity for the process.
func (s CoreState) IsTerminal() bool {
	return s == StateClose || s == StateShutdown
}

// StateObserver is notified after every state change.
type StateObserver func(old, new CoreState)

// Lifecycle holds the single live CoreState. It is shared by reference
// between the supervisor loop, the scheduler, the job framework and the
// snapshot manager. Any transition is accepted.
type Lifecycle struct {
	mu         sync.RWMutex
	state      CoreState
	observers  []StateObserver
	terminated chan struct{}
	once       sync.Once
	logger     *telemetry.Logger
}

// NewLifecycle returns a lifecycle in the initialize state.
func NewLifecycle(logger *telemetry.Logger) *Lifecycle {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Lifecycle{
		state:      StateInitialize,
		terminated: make(chan struct{}),
		logger:     logger.NewComponentLogger("core"),
	}
}

// State returns the current state.
func (l *Lifecycle) State() CoreState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsRunning reports whether the state is running. Freeze counts as not running.
func (l *Lifecycle) IsRunning() bool {
	return l.State() == StateRunning
}

// SetState moves the lifecycle to state. Setting the current state again is a no-op.
func (l *Lifecycle) SetState(state CoreState) {
	l.mu.Lock()
	old := l.state
	if old == state {
		l.mu.Unlock()
		return
	}
	l.state = state
	observers := make([]StateObserver, len(l.observers))
	copy(observers, l.observers)
	l.mu.Unlock()

	l.logger.WithField("from", string(old)).WithField("to", string(state)).Info("Supervisor state changed")

	if state.IsTerminal() {
		l.once.Do(func() { close(l.terminated) })
	}
	for _, observer := range observers {
		observer(old, state)
	}
}

// Observe registers fn to be called after each state change.
func (l *Lifecycle) Observe(fn StateObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Terminated is closed the first time a terminal state is entered.
func (l *Lifecycle) Terminated() <-chan struct{} {
	return l.terminated
}
