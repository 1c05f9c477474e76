package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/torcore/cell"
	"github.com/cvsouth/torcore/descriptor"
	"github.com/cvsouth/torcore/link"
	"github.com/cvsouth/torcore/ntor"
	"github.com/cvsouth/torcore/onion"
)

// State is a circuit's position in its build/use/teardown lifecycle.
type State int

const (
	StatePending State = iota
	StateBuilding
	StateOpen
	StateBuffering
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateBuilding:
		return "BUILDING"
	case StateOpen:
		return "OPEN"
	case StateBuffering:
		return "BUFFERING"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// MaxRelayEarly is the maximum number of RELAY_EARLY cells per circuit (tor-spec §5.6).
const MaxRelayEarly = 8

// pendingCell is a cell a caller tried to send while the circuit was still
// BUILDING. Non-EXTEND2 traffic sent mid-build is queued rather than
// rejected, and flushed once the circuit reaches OPEN.
type pendingCell struct {
	relayCmd uint8
	streamID uint16
	data     []byte
}

// Circuit represents an established Tor circuit over a link.
type Circuit struct {
	rmu sync.Mutex // protects reads: Reader, backward onion state
	wmu sync.Mutex // protects writes: Writer, forward onion state, RelayEarlySent

	ID             uint32
	Link           *link.Link
	Hops           []*onion.CryptoState
	RelayEarlySent int

	mu      sync.Mutex
	state   State
	pending []pendingCell

	streamMu        sync.Mutex
	streamIDCounter uint32
}

// Create performs a CREATE2/CREATED2 handshake to build a single-hop circuit.
func Create(l *link.Link, relayInfo *descriptor.RelayInfo, logger *slog.Logger) (*Circuit, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var circID uint32
	for attempts := 0; attempts < 16; attempts++ {
		id, err := allocateCircID()
		if err != nil {
			return nil, fmt.Errorf("allocate circuit ID: %w", err)
		}
		if l.ClaimCircID(id) {
			circID = id
			break
		}
	}
	if circID == 0 {
		return nil, fmt.Errorf("failed to allocate unique circuit ID after 16 attempts")
	}
	logger.Info("circuit ID allocated", "circID", fmt.Sprintf("0x%08x", circID))

	hs, err := ntor.NewHandshake(relayInfo.NodeID, relayInfo.NtorOnionKey)
	if err != nil {
		return nil, fmt.Errorf("ntor handshake init: %w", err)
	}
	defer hs.Close()

	clientData := hs.ClientData()
	create2, err := cell.MakeCreate2(circID, l.Version, cell.NtorHType, clientData[:])
	if err != nil {
		return nil, fmt.Errorf("build CREATE2: %w", err)
	}

	l.SetDeadline(time.Now().Add(30 * time.Second))
	defer l.SetDeadline(time.Time{})

	logger.Debug("sending CREATE2", "circID", fmt.Sprintf("0x%08x", circID))
	if err := l.Writer.WriteCell(create2); err != nil {
		return nil, fmt.Errorf("send CREATE2: %w", err)
	}

	resp, err := l.Reader.ReadCell(l.Version)
	if err != nil {
		return nil, fmt.Errorf("read CREATED2: %w", err)
	}

	if resp.Header.Cmd == cell.CmdDestroy {
		reason, _ := cell.ParseDestroy(resp)
		return nil, fmt.Errorf("relay sent DESTROY (reason=%d) instead of CREATED2", reason)
	}
	if resp.Header.Cmd != cell.CmdCreated2 {
		return nil, fmt.Errorf("expected CREATED2 (11), got command %d", resp.Header.Cmd)
	}

	created2, err := cell.ParseCreated2(resp)
	if err != nil {
		return nil, fmt.Errorf("parse CREATED2: %w", err)
	}
	var serverData [64]byte
	copy(serverData[:], created2.HData)

	logger.Debug("received CREATED2")

	km, err := hs.Complete(serverData)
	if err != nil {
		return nil, fmt.Errorf("ntor complete: %w", err)
	}
	logger.Info("ntor handshake complete")

	hop, err := onion.NewCryptoState(km)
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
	if err != nil {
		return nil, fmt.Errorf("init hop crypto state: %w", err)
	}

	return &Circuit{
		ID:    circID,
		Link:  l,
		Hops:  []*onion.CryptoState{hop},
		state: StateOpen,
	}, nil
}

// State reports the circuit's current lifecycle state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Circuit) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// beginExtend transitions the circuit to BUILDING so that SendRelay queues
// non-EXTEND2 traffic instead of interleaving it with the handshake.
func (c *Circuit) beginExtend() {
	c.mu.Lock()
	c.state = StateBuilding
	c.mu.Unlock()
}

// endExtend transitions the circuit back to OPEN and flushes any relay cells
// that were queued while the extend was in flight.
func (c *Circuit) endExtend(logger *slog.Logger) {
	c.mu.Lock()
	flushed := c.pending
	c.pending = nil
	c.state = StateOpen
	c.mu.Unlock()

	for _, p := range flushed {
		if err := c.SendRelay(p.relayCmd, p.streamID, p.data); err != nil {
			logger.Warn("failed to flush queued relay cell after extend", "error", err)
		}
	}
}

// SendRelay encrypts and sends a relay cell through the circuit. If the
// circuit is still BUILDING, the cell is queued and sent once the extend in
// progress completes — outbound non-EXTEND2 traffic is never rejected
// outright during a build.
func (c *Circuit) SendRelay(relayCmd uint8, streamID uint16, data []byte) error {
	c.mu.Lock()
	if c.state == StateBuilding {
		c.pending = append(c.pending, pendingCell{relayCmd: relayCmd, streamID: streamID, data: append([]byte(nil), data...)})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.wmu.Lock()
	payload, err := c.encryptRelayLocked(relayCmd, streamID, data)
	if err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("encrypt relay: %w", err)
	}
	raw, err := cell.MakeEncrypted(c.ID, c.Link.Version, false, payload)
	if err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("build RELAY cell: %w", err)
	}
	err = c.Link.Writer.WriteCell(raw)
	c.wmu.Unlock()
	return err
}

// ReceiveRelay reads and decrypts a relay cell from the circuit. It skips
// PADDING cells, silently drops cells unrecognized at every hop (per
// tor-spec's anti-fingerprinting guidance), and returns an error on DESTROY.
func (c *Circuit) ReceiveRelay() (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	for {
		c.rmu.Lock()
		incoming, err := c.Link.Reader.ReadCell(c.Link.Version)
		if err != nil {
			c.rmu.Unlock()
			return 0, 0, 0, nil, fmt.Errorf("read cell: %w", err)
		}

		switch incoming.Header.Cmd {
		case cell.CmdPadding, cell.CmdVPadding:
			c.rmu.Unlock()
			continue
		case cell.CmdDestroy:
			c.rmu.Unlock()
			reason, _ := cell.ParseDestroy(incoming)
			return 0, 0, 0, nil, fmt.Errorf("circuit destroyed by relay (reason=%d)", reason)
		case cell.CmdRelay, cell.CmdRelayEarly:
			h, rc, sid, d, derr := c.decryptRelayLocked(incoming)
			c.rmu.Unlock()
			if derr == cell.ErrUnrecognized {
				continue
			}
			return h, rc, sid, d, derr
		default:
			c.rmu.Unlock()
			return 0, 0, 0, nil, fmt.Errorf("unexpected cell command %d on circuit", incoming.Header.Cmd)
		}
	}
}

// BackwardDigest returns the current backward digest state of the last hop
// (for SENDME v1). Caller must not hold c.rmu.
func (c *Circuit) BackwardDigest() []byte {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if len(c.Hops) == 0 {
		return nil
	}
	return c.Hops[len(c.Hops)-1].BackwardDigest()
}

// SendRelayEarly sends a RELAY_EARLY cell, enforcing the per-circuit budget of 8.
func (c *Circuit) SendRelayEarly(relayCmd uint8, streamID uint16, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.RelayEarlySent >= MaxRelayEarly {
		return fmt.Errorf("RELAY_EARLY budget exhausted (%d/%d)", c.RelayEarlySent, MaxRelayEarly)
	}
	payload, err := c.encryptRelayLocked(relayCmd, streamID, data)
	if err != nil {
		return fmt.Errorf("encrypt relay: %w", err)
	}
	raw, err := cell.MakeEncrypted(c.ID, c.Link.Version, true, payload)
	if err != nil {
		return fmt.Errorf("build RELAY_EARLY cell: %w", err)
	}
	c.RelayEarlySent++
	return c.Link.Writer.WriteCell(raw)
}

// Destroy sends a DESTROY cell to tear down the circuit.
func (c *Circuit) Destroy() error {
	c.setState(StateDestroyed)
	destroy, err := cell.MakeDestroy(c.ID, c.Link.Version, cell.DestroyNone)
	if err != nil {
		return err
	}
	return c.Link.Writer.WriteCell(destroy)
}

// AllocStreamID returns the next stream id for this circuit, starting at 1
// (id 0 is reserved for circuit-level cells like SENDME) and incrementing
// per circuit, not process-wide — the first stream on each circuit gets id 1.
func (c *Circuit) AllocStreamID() (uint16, error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	for {
		c.streamIDCounter++
		id := uint16(c.streamIDCounter)
		if id != 0 {
			return id, nil
		}
		if c.streamIDCounter > 0xFFFF {
			return 0, fmt.Errorf("stream ID space exhausted")
		}
	}
}

// AddHop appends a hop to the circuit (used after a successful EXTEND2/EXTENDED2).
func (c *Circuit) AddHop(hop *onion.CryptoState) {
	c.wmu.Lock()
	c.rmu.Lock()
	c.Hops = append(c.Hops, hop)
	c.rmu.Unlock()
	c.wmu.Unlock()
}

func allocateCircID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	circID := binary.BigEndian.Uint32(buf[:])
	circID |= 0x80000000 // MSB set: client-initiated
	return circID, nil
}
