package circuit

import (
	"fmt"

	"github.com/cvsouth/torcore/cell"
	"github.com/cvsouth/torcore/onion"
)

// Relay command constants, re-exported from cell for callers that only
// import circuit.
const (
	RelayBegin     = cell.RelayBegin
	RelayData      = cell.RelayData
	RelayEnd       = cell.RelayEnd
	RelayConnected = cell.RelayConnected
	RelaySendMe    = cell.RelaySendme
	RelayBeginDir  = cell.RelayBeginDir
	RelayExtend2   = cell.RelayExtend2
	RelayExtended2 = cell.RelayExtended2
)

// MaxRelayDataLen is the maximum data payload in a single relay cell.
const MaxRelayDataLen = cell.MaxRelayPayloadLen

// EncryptRelay builds and encrypts a relay cell payload for sending through
// the circuit, acquiring c.wmu.
func (c *Circuit) EncryptRelay(relayCmd uint8, streamID uint16, data []byte) ([]byte, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.encryptRelayLocked(relayCmd, streamID, data)
}

// encryptRelayLocked is the lock-free internal implementation. Caller must hold c.wmu.
func (c *Circuit) encryptRelayLocked(relayCmd uint8, streamID uint16, data []byte) ([]byte, error) {
	if len(c.Hops) == 0 {
		return nil, fmt.Errorf("circuit has no hops")
	}
	if len(data) > MaxRelayDataLen {
		return nil, fmt.Errorf("relay data too large: %d > %d", len(data), MaxRelayDataLen)
	}
	rc := cell.RelayCell{RelayCmd: relayCmd, StreamID: streamID, Payload: data}
	return onion.EncryptLayers(c.Hops, rc)
}

// DecryptRelay decrypts an incoming relay cell payload, acquiring c.rmu.
func (c *Circuit) DecryptRelay(incoming cell.Raw) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.decryptRelayLocked(incoming)
}

// decryptRelayLocked is the lock-free internal implementation. Caller must hold c.rmu.
func (c *Circuit) decryptRelayLocked(incoming cell.Raw) (hopIdx int, relayCmd uint8, streamID uint16, data []byte, err error) {
	if len(c.Hops) == 0 {
		return 0, 0, 0, nil, fmt.Errorf("circuit has no hops")
	}
	payload, err := cell.EncryptedPayload(incoming)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("extract encrypted payload: %w", err)
	}
	idx, rc, err := onion.DecryptLayers(c.Hops, payload)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	return idx, rc.RelayCmd, rc.StreamID, rc.Payload, nil
}
