package stream

import (
	"fmt"
	"sync"

	"github.com/cvsouth/torcore/circuit"
)

// State is a stream's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateHalfClosed
	StateClosed
)

// Callbacks are invoked by a Table's dispatch loop as relay cells arrive for
// a registered stream. They run on the dispatch goroutine — implementations
// must not block it for long.
type Callbacks struct {
	OnData      func(data []byte)
	OnConnected func()
	OnEnd       func(reason uint8)
	// OnSendMe fires on a RELAY_SENDME for this stream or the whole circuit.
	// streamLevel is true for a stream-keyed SENDME, false for the
	// circuit-keyed one (stream id 0), which is fanned out to every
	// registered stream since it isn't addressed to just one.
	OnSendMe func(streamLevel bool)
}

type entry struct {
	cb    Callbacks
	state State
}

// Table multiplexes relay cells for many streams sharing one circuit. A
// single goroutine should call Run; all other streams on the circuit
// register their callbacks and let Run's dispatch loop drive them, instead
// of each stream polling ReceiveRelay itself and discarding cells addressed
// to others.
type Table struct {
	mu      sync.Mutex
	circ    *circuit.Circuit
	streams map[uint16]*entry
}

// NewTable creates a stream table bound to circ.
func NewTable(circ *circuit.Circuit) *Table {
	return &Table{circ: circ, streams: make(map[uint16]*entry)}
}

// Register adds a stream to the table so its cells reach cb.
func (t *Table) Register(id uint16, cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[id] = &entry{cb: cb, state: StateIdle}
}

// Unregister removes a stream from the table once it's fully closed.
func (t *Table) Unregister(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

// SetState updates a registered stream's lifecycle state.
func (t *Table) SetState(id uint16, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.streams[id]; ok {
		e.state = s
	}
}

// State reports a stream's current lifecycle state.
func (t *Table) State(id uint16) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.streams[id]; ok {
		return e.state
	}
	return StateClosed
}

// Run reads relay cells from the circuit until it errors, dispatching each
// to the registered stream's callbacks. Circuit-level SENDME (stream id 0)
// isn't addressed to any single stream, so it is fanned out to every
// registered stream through broadcastSendMe; other stream-id-0 cells are
// dropped.
func (t *Table) Run() error {
	for {
		_, relayCmd, streamID, data, err := t.circ.ReceiveRelay()
		if err != nil {
			return fmt.Errorf("stream table dispatch: %w", err)
		}

		if streamID == 0 {
			if relayCmd == circuit.RelaySendMe {
				t.broadcastSendMe(false)
			}
			continue
		}

		t.mu.Lock()
		e, ok := t.streams[streamID]
		t.mu.Unlock()
		if !ok {
			continue
		}

		switch relayCmd {
		case circuit.RelayConnected:
			t.SetState(streamID, StateOpen)
			if e.cb.OnConnected != nil {
				e.cb.OnConnected()
			}
		case circuit.RelayData:
			if e.cb.OnData != nil {
				e.cb.OnData(data)
			}
		case circuit.RelayEnd:
			reason := uint8(0)
			if len(data) > 0 {
				reason = data[0]
			}
			t.SetState(streamID, StateClosed)
			if e.cb.OnEnd != nil {
				e.cb.OnEnd(reason)
			}
		case circuit.RelaySendMe:
			if e.cb.OnSendMe != nil {
				e.cb.OnSendMe(true)
			}
		}
	}
}

// broadcastSendMe fans a circuit-level SENDME out to every registered
// stream, since it isn't addressed to just one.
func (t *Table) broadcastSendMe(streamLevel bool) {
	t.mu.Lock()
	cbs := make([]Callbacks, 0, len(t.streams))
	for _, e := range t.streams {
		cbs = append(cbs, e.cb)
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnSendMe != nil {
			cb.OnSendMe(streamLevel)
		}
	}
}
