package memscat

import (
	"sync"

	"github.com/go-memscat/memscat/backend"
	"github.com/go-memscat/memscat/internal/logging"
	"github.com/go-memscat/memscat/internal/roundexec"
)

// Map is an ordered sequence of Scatter Handles ("rounds") created for
// the same target and executed one at a time, so a round's completion
// callback can prepare the next round before the Map reaches it.
// Teacher analogue: Device.runners plus CreateAndServe's sequential
// start/stop loops, generalized from "many parallel queues" to "an
// ordered chain of dependent rounds."
type Map struct {
	mu sync.Mutex

	target Target

	rounds    []*Handle
	completed []func(*Map)
	closed    bool

	cpuAffinity []int // round-robin CPU pin for Execute, empty = no pinning
}

// NewMap creates an empty Map for target. Each round created via AddRound
// gets its own backend resource from the process-wide default
// initializer; AddRoundWithResource takes an explicit resource instead.
func NewMap(target Target) *Map {
	return &Map{target: target}
}

// SetCPUAffinity assigns a round-robin CPU list: round i pins its
// executing goroutine to cpus[i % len(cpus)] for the duration of that
// round's Execute, mirroring the teacher's per-queue pinning in
// internal/queue.Runner.ioLoop. A failed pin is logged and otherwise
// ignored — affinity is an optimization, not a correctness requirement.
func (m *Map) SetCPUAffinity(cpus []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cpuAffinity = cpus
}

// AddRound appends a new Handle with the given flags and returns it. It
// fails if the Map is closed.
func (m *Map) AddRound(flags Flags) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrDisposed
	}
	h, err := NewHandle(m.target, flags)
	if err != nil {
		return nil, err
	}
	m.rounds = append(m.rounds, h)
	return h, nil
}

// AddRoundWithResource appends a new Handle bound to an explicit backend
// resource (for tests, or a Map driving multiple resource instances).
func (m *Map) AddRoundWithResource(flags Flags, res backend.Resource) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrDisposed
	}
	h, err := NewHandleWithResource(m.target, flags, res)
	if err != nil {
		return nil, err
	}
	m.rounds = append(m.rounds, h)
	return h, nil
}

// Execute runs each round's Execute in order. A round's failure aborts
// subsequent rounds and propagates; the map's own completed callbacks
// fire only when every round succeeds. Rounds are never run in parallel:
// a round's completion callback may register prepares on the next round,
// and that next round must not have executed yet.
func (m *Map) Execute() error {
	m.mu.Lock()
	rounds := append([]*Handle(nil), m.rounds...)
	cpus := m.cpuAffinity
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return ErrDisposed
	}
	if len(rounds) == 0 {
		return nil
	}

	for i, round := range rounds {
		undo, err := roundexec.Pin(cpus, i)
		if err != nil {
			logging.Default().Debugf("map: round %d: %v", i, err)
			undo = func() {}
		}
		err = round.Execute()
		undo()
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	callbacks := m.completed
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(m)
	}
	return nil
}

// OnComplete registers a callback invoked once all rounds have executed
// successfully.
func (m *Map) OnComplete(cb func(*Map)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, cb)
}

// Close closes each round in order and marks the Map closed. Idempotent.
func (m *Map) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rounds := m.rounds
	m.rounds = nil
	m.mu.Unlock()

	var firstErr error
	for _, round := range rounds {
		if err := round.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Rounds returns the Map's current rounds in addition order. The
// returned slice must not be mutated by the caller.
func (m *Map) Rounds() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rounds
}
