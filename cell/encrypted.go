package cell

import "fmt"

// MakeEncrypted builds a RELAY or RELAY_EARLY cell carrying an already
// onion-encrypted payload. The payload must be exactly MaxPayloadLen bytes —
// the onion engine is responsible for producing fully padded ciphertext
// before it reaches this layer.
func MakeEncrypted(circID uint32, linkVersion uint8, early bool, payload []byte) (Raw, error) {
	if len(payload) != MaxPayloadLen {
		return Raw{}, fmt.Errorf("%w: encrypted payload length %d, expected %d", ErrBadPayload, len(payload), MaxPayloadLen)
	}
	cmd := CmdRelay
	if early {
		cmd = CmdRelayEarly
	}
	return NewFixedRaw(circID, cmd, linkVersion, payload), nil
}

// EncryptedPayload returns r's raw ciphertext, validating its length. r must
// have been parsed with Parse(..., encrypted=true) so its Payload was left
// opaque rather than rejected by the plaintext command switch.
func EncryptedPayload(r Raw) ([]byte, error) {
	if r.Header.Cmd != CmdRelay && r.Header.Cmd != CmdRelayEarly {
		return nil, fmt.Errorf("%w: command %d is not RELAY/RELAY_EARLY", ErrBadPayload, r.Header.Cmd)
	}
	if len(r.Payload) != MaxPayloadLen {
		return nil, fmt.Errorf("%w: encrypted payload length %d, expected %d", ErrBadPayload, len(r.Payload), MaxPayloadLen)
	}
	return r.Payload, nil
}
