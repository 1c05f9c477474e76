package onion

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding"
	"fmt"

	"github.com/cvsouth/torcore/cell"
)

// EncryptLayers wraps a plaintext relay-cell payload once per hop, outermost
// hop last, so that the wire bytes are only fully peeled by the time they
// reach the final hop in the chain. rc's digest field is recomputed here —
// any value the caller set is overwritten.
//
// hops[0] is the first hop out of the client; hops[len(hops)-1] is the hop
// the cell is destined for (or passing through, for a relay cell destined
// further down the circuit).
func EncryptLayers(hops []*CryptoState, rc cell.RelayCell) ([]byte, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("no hops to encrypt through")
	}

	rc.Digest = [4]byte{}
	payload, err := rc.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize relay cell: %w", err)
	}

	// tor-spec §6.1: padding bytes after the used portion of rpayload should
	// be random, not merely zero, to avoid fingerprinting cell fill.
	used := relayHeaderLen + len(rc.Payload)
	if used < len(payload) {
		if _, err := rand.Read(payload[used:]); err != nil {
			return nil, fmt.Errorf("pad relay cell: %w", err)
		}
	}

	target := hops[len(hops)-1]
	target.df.Write(payload)
	digest := target.df.Sum(nil)
	copy(payload[5:9], digest[:4])

	for i := len(hops) - 1; i >= 0; i-- {
		hops[i].kf.XORKeyStream(payload, payload)
	}
	return payload, nil
}

const relayHeaderLen = 11

// DecryptLayers peels one AES-128-CTR layer per hop, hop[0] first, checking
// after each layer whether the recognized field reads zero and — if so —
// whether the running backward digest matches the claimed one. A match means
// the cell was destined for that hop; its index is returned. If recognized
// reads zero but the digest doesn't match, the digest state is rewound and
// peeling continues outward — a coincidental zero recognized field must not
// corrupt the hop's running digest.
//
// If no hop recognizes the cell, it returns cell.ErrUnrecognized: per
// tor-spec §6.1 clients must silently drop such cells rather than treat them
// as a protocol error, to avoid giving an adversary a fingerprinting signal.
func DecryptLayers(hops []*CryptoState, payload []byte) (hopIdx int, rc cell.RelayCell, err error) {
	if len(hops) == 0 {
		return 0, cell.RelayCell{}, fmt.Errorf("no hops to decrypt through")
	}
	if len(payload) != cell.MaxPayloadLen {
		return 0, cell.RelayCell{}, fmt.Errorf("%w: payload length %d, expected %d", cell.ErrBadPayload, len(payload), cell.MaxPayloadLen)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	for i, hop := range hops {
		hop.kb.XORKeyStream(buf, buf)

		recognized := uint16(buf[1])<<8 | uint16(buf[2])
		if recognized != 0 {
			continue
		}

		var claimed [4]byte
		copy(claimed[:], buf[5:9])
		buf[5], buf[6], buf[7], buf[8] = 0, 0, 0, 0

		snapshot, serr := hop.db.(encoding.BinaryMarshaler).MarshalBinary()
		if serr != nil {
			return 0, cell.RelayCell{}, fmt.Errorf("snapshot digest state: %w", serr)
		}

		hop.db.Write(buf)
		computed := hop.db.Sum(nil)

		if subtle.ConstantTimeCompare(claimed[:], computed[:4]) == 1 {
			parsed, perr := cell.ParseRelayCell(buf)
			if perr != nil {
				return 0, cell.RelayCell{}, fmt.Errorf("parse recognized relay cell: %w", perr)
			}
			return i, parsed, nil
		}

		if rerr := hop.db.(encoding.BinaryUnmarshaler).UnmarshalBinary(snapshot); rerr != nil {
			return 0, cell.RelayCell{}, fmt.Errorf("restore digest state: %w", rerr)
		}
	}

	return 0, cell.RelayCell{}, cell.ErrUnrecognized
}
