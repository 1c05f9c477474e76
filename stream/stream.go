package stream

import (
	"fmt"
	"io"
	"sync"

	"github.com/cvsouth/torcore/circuit"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

const (
	relayEndReasonDone = 6
)

// Stream represents a Tor stream over a circuit. When opened via Open, a
// Table dispatches its relay cells and Read drains channels the Table's
// callbacks feed; when opened via Begin, Read polls the circuit directly,
// which is only safe when the stream is the only one on its circuit.
type Stream struct {
	ID                 uint16
	Circuit            *circuit.Circuit
	CircWindow         int // Circuit-level send package window (init 1000)
	StreamWindow       int // Stream-level send package window (init 500)
	table              *Table
	buf                []byte
	closed             bool
	eof                bool
	circDataReceived   int // DATA cells received since last circuit SENDME
	streamDataReceived int // DATA cells received since last stream SENDME

	windowMu sync.Mutex
	windowCh chan struct{} // buffered 1; signaled whenever a window is replenished or the stream closes

	dataCh chan []byte
	endCh  chan uint8
}

// newStream builds a Stream with its windows and wakeup channel ready to use.
func newStream(id uint16, circ *circuit.Circuit) *Stream {
	return &Stream{
		ID:           id,
		Circuit:      circ,
		CircWindow:   initCircWindow,
		StreamWindow: initStreamWindow,
		windowCh:     make(chan struct{}, 1),
	}
}

// Begin opens a new stream to the given target (host:port) through the
// circuit, polling the circuit directly for its response. Use this only when
// the circuit carries no other concurrently-active stream — otherwise cells
// addressed to other streams race this one's ReceiveRelay loop. Multiple
// streams sharing a circuit should use Open with a shared Table instead.
func Begin(circ *circuit.Circuit, target string) (*Stream, error) {
	id, err := circ.AllocStreamID()
	if err != nil {
		return nil, err
	}

	if err := circ.SendRelay(circuit.RelayBegin, id, beginPayload(target)); err != nil {
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	for {
		_, relayCmd, respStreamID, data, err := circ.ReceiveRelay()
		if err != nil {
			return nil, fmt.Errorf("receive relay response: %w", err)
		}
		if respStreamID != id {
			continue
		}
		switch relayCmd {
		case circuit.RelayConnected:
			return newStream(id, circ), nil
		case circuit.RelayEnd:
			return nil, fmt.Errorf("stream rejected: RELAY_END reason=%d", endReason(data))
		default:
			return nil, fmt.Errorf("unexpected relay command %d while waiting for CONNECTED", relayCmd)
		}
	}
}

// Open opens a new stream to target, registering with table so its relay
// cells are delivered by table's single dispatch goroutine instead of each
// stream polling ReceiveRelay and discarding cells addressed to others. Use
// this whenever more than one stream may be active on the circuit at once.
func Open(table *Table, target string) (*Stream, error) {
	id, err := table.circ.AllocStreamID()
	if err != nil {
		return nil, err
	}

	s := newStream(id, table.circ)
	s.table = table
	s.dataCh = make(chan []byte, 32)
	s.endCh = make(chan uint8, 1)
	connCh := make(chan struct{}, 1)

	table.Register(id, Callbacks{
		OnConnected: func() { connCh <- struct{}{} },
		OnData:      func(data []byte) { s.dataCh <- data },
		OnEnd: func(reason uint8) {
			select {
			case s.endCh <- reason:
			default:
			}
		},
		OnSendMe: func(streamLevel bool) {
			if streamLevel {
				s.addStreamWindow(streamSendMeWindow)
			} else {
				s.addCircWindow(circSendMeWindow)
			}
		},
	})

	if err := table.circ.SendRelay(circuit.RelayBegin, id, beginPayload(target)); err != nil {
		table.Unregister(id)
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	select {
	case <-connCh:
		table.SetState(id, StateOpen)
		return s, nil
	case reason := <-s.endCh:
		table.Unregister(id)
		return nil, fmt.Errorf("stream rejected: RELAY_END reason=%d", reason)
	}
}

func beginPayload(target string) []byte {
	// RELAY_BEGIN payload: "host:port\0" + flags(4 bytes, all zero)
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	return payload
}

func endReason(data []byte) uint8 {
	if len(data) > 0 {
		return data[0]
	}
	return 0
}

// addCircWindow and addStreamWindow replenish a send window and wake any
// Write blocked in waitForWindow.
func (s *Stream) addCircWindow(n int) {
	s.windowMu.Lock()
	s.CircWindow += n
	s.windowMu.Unlock()
	s.notifyWindow()
}

func (s *Stream) addStreamWindow(n int) {
	s.windowMu.Lock()
	s.StreamWindow += n
	s.windowMu.Unlock()
	s.notifyWindow()
}

func (s *Stream) notifyWindow() {
	select {
	case s.windowCh <- struct{}{}:
	default:
	}
}

// waitForWindow blocks until both send windows have room to send a cell, or
// returns an error if the stream is closed. A Stream built without a
// windowCh (e.g. constructed directly rather than via Begin/Open) has no way
// to be woken on SENDME, so it fails fast instead of blocking forever.
func (s *Stream) waitForWindow() error {
	for {
		s.windowMu.Lock()
		ready := s.CircWindow > 0 && s.StreamWindow > 0
		circWindow, streamWindow := s.CircWindow, s.StreamWindow
		s.windowMu.Unlock()
		if ready {
			return nil
		}
		if s.closed {
			return fmt.Errorf("stream closed")
		}
		if s.windowCh == nil {
			return fmt.Errorf("send window exhausted (circ=%d, stream=%d)", circWindow, streamWindow)
		}
		<-s.windowCh
	}
}

// Write sends data through the stream as RELAY_DATA cells.
// Data is split into chunks of up to 498 bytes (MaxRelayDataLen).
// Blocks on waitForWindow when a send window is exhausted, resuming once a
// SENDME cell replenishes it.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	total := 0
	for len(p) > 0 {
		if err := s.waitForWindow(); err != nil {
			return total, err
		}

		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}
		if err := s.Circuit.SendRelay(circuit.RelayData, s.ID, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		s.windowMu.Lock()
		s.CircWindow--
		s.StreamWindow--
		s.windowMu.Unlock()
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read receives data from the stream.
// It reads RELAY_DATA cells and buffers their contents.
func (s *Stream) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	// Return buffered data first
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}

	if s.table != nil {
		return s.readFromTable(p)
	}
	return s.readFromCircuit(p)
}

func (s *Stream) readFromTable(p []byte) (int, error) {
	select {
	case data := <-s.dataCh:
		if err := s.handleDataReceived(); err != nil {
			return 0, err
		}
		n := copy(p, data)
		if n < len(data) {
			s.buf = append(s.buf, data[n:]...)
		}
		return n, nil
	case <-s.endCh:
		s.eof = true
		return 0, io.EOF
	}
}

func (s *Stream) readFromCircuit(p []byte) (int, error) {
	for {
		_, relayCmd, streamID, data, err := s.Circuit.ReceiveRelay()
		if err != nil {
			return 0, fmt.Errorf("receive relay: %w", err)
		}

		// Handle circuit-level SENDME (streamID=0)
		if relayCmd == circuit.RelaySendMe && streamID == 0 {
			s.addCircWindow(circSendMeWindow)
			continue
		}

		if streamID != s.ID {
			// Cell for a different stream — for now, discard. Safe only
			// because Begin requires this stream to be the circuit's sole
			// consumer.
			continue
		}

		switch relayCmd {
		case circuit.RelayData:
			if err := s.handleDataReceived(); err != nil {
				return 0, err
			}
			n := copy(p, data)
			if n < len(data) {
				s.buf = append(s.buf, data[n:]...)
			}
			return n, nil
		case circuit.RelayEnd:
			s.eof = true
			return 0, io.EOF
		case circuit.RelaySendMe:
			// Stream-level SENDME — relay is ready for more data
			s.addStreamWindow(streamSendMeWindow)
			continue
		default:
			return 0, fmt.Errorf("unexpected relay command %d on stream", relayCmd)
		}
	}
}

// Close sends RELAY_END to close the stream.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.notifyWindow()
	if s.table != nil {
		s.table.Unregister(s.ID)
	}
	return s.Circuit.SendRelay(circuit.RelayEnd, s.ID, []byte{relayEndReasonDone})
}
