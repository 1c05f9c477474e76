package cell

import (
	"encoding/binary"
	"fmt"
)

// Relay command constants (tor-spec §6.1).
const (
	RelayBegin       uint8 = 1
	RelayData        uint8 = 2
	RelayEnd         uint8 = 3
	RelayConnected   uint8 = 4
	RelaySendme      uint8 = 5
	RelayExtend      uint8 = 6
	RelayExtended    uint8 = 7
	RelayTruncate    uint8 = 8
	RelayTruncated   uint8 = 9
	RelayDrop        uint8 = 10
	RelayResolve     uint8 = 11
	RelayResolved    uint8 = 12
	RelayBeginDir    uint8 = 13
	RelayExtend2     uint8 = 14
	RelayExtended2   uint8 = 15
)

// relayHeaderLen is the fixed portion of a relay cell's inner framing:
// relay_command(1) + recognized(2) + stream_id(2) + digest(4) + length(2).
const relayHeaderLen = 11

// MaxRelayPayloadLen is the largest rpayload a RelayCell can carry once the
// 11-byte inner header is subtracted from MaxPayloadLen.
const MaxRelayPayloadLen = MaxPayloadLen - relayHeaderLen

// RelayCell is the decrypted inner framing carried inside a RELAY or
// RELAY_EARLY cell's payload, before per-hop onion encryption is applied.
type RelayCell struct {
	RelayCmd   uint8
	Recognized uint16
	StreamID   uint16
	Digest     [4]byte
	Payload    []byte
}

// Serialize renders a RelayCell to its full MaxPayloadLen-byte wire form,
// zero-padding the unused tail of rpayload.
func (rc RelayCell) Serialize() ([]byte, error) {
	if len(rc.Payload) > MaxRelayPayloadLen {
		return nil, fmt.Errorf("%w: relay payload length %d exceeds max %d", ErrBadPayload, len(rc.Payload), MaxRelayPayloadLen)
	}
	out := make([]byte, MaxPayloadLen)
	out[0] = rc.RelayCmd
	binary.BigEndian.PutUint16(out[1:3], rc.Recognized)
	binary.BigEndian.PutUint16(out[3:5], rc.StreamID)
	copy(out[5:9], rc.Digest[:])
	binary.BigEndian.PutUint16(out[9:11], uint16(len(rc.Payload)))
	copy(out[relayHeaderLen:], rc.Payload)
	return out, nil
}

// ParseRelayCell parses a decrypted MaxPayloadLen-byte relay payload into its
// typed fields. It does not check the recognized/digest fields — that is the
// onion engine's job, since it alone knows which hop's digest to compare
// against.
func ParseRelayCell(buf []byte) (RelayCell, error) {
	if len(buf) != MaxPayloadLen {
		return RelayCell{}, fmt.Errorf("%w: relay cell length %d, expected %d", ErrBadPayload, len(buf), MaxPayloadLen)
	}
	rlen := int(binary.BigEndian.Uint16(buf[9:11]))
	if rlen > MaxRelayPayloadLen {
		return RelayCell{}, fmt.Errorf("%w: relay rpayload_len %d exceeds max %d", ErrBadPayload, rlen, MaxRelayPayloadLen)
	}
	rc := RelayCell{
		RelayCmd:   buf[0],
		Recognized: binary.BigEndian.Uint16(buf[1:3]),
		StreamID:   binary.BigEndian.Uint16(buf[3:5]),
	}
	copy(rc.Digest[:], buf[5:9])
	rc.Payload = make([]byte, rlen)
	copy(rc.Payload, buf[relayHeaderLen:relayHeaderLen+rlen])
	return rc, nil
}

// Extend2LinkSpecifier identifies a hop to extend a circuit to: its type
// (0 = TLS-over-TCP IPv4, 1 = TLS-over-TCP IPv6, 2 = legacy RSA identity
// fingerprint, 3 = ed25519 identity) and opaque, type-dependent data.
type Extend2LinkSpecifier struct {
	Type uint8
	Data []byte
}

const (
	LinkSpecIPv4      uint8 = 0
	LinkSpecIPv6      uint8 = 1
	LinkSpecLegacyID  uint8 = 2
	LinkSpecEd25519ID uint8 = 3
)

func (ls Extend2LinkSpecifier) bytes() []byte {
	out := make([]byte, 2+len(ls.Data))
	out[0] = ls.Type
	out[1] = byte(len(ls.Data))
	copy(out[2:], ls.Data)
	return out
}

// Extend2Payload is the rpayload of an EXTEND2 relay cell: a set of link
// specifiers identifying the next hop, plus a nested CREATE2 handshake type
// and data for that hop.
type Extend2Payload struct {
	LinkSpecifiers []Extend2LinkSpecifier
	HType          uint16
	HData          []byte
}

// MakeExtend2Payload validates and serializes an EXTEND2 rpayload. Exactly
// the ntor handshake is supported, and at least one link specifier is
// required so the next hop can be located and authenticated.
func MakeExtend2Payload(p Extend2Payload) ([]byte, error) {
	if len(p.LinkSpecifiers) == 0 {
		return nil, fmt.Errorf("%w: EXTEND2 requires at least one link specifier", ErrBadPayload)
	}
	if len(p.LinkSpecifiers) > 255 {
		return nil, fmt.Errorf("%w: EXTEND2 link specifier count %d exceeds 255", ErrBadPayload, len(p.LinkSpecifiers))
	}
	if p.HType != NtorHType {
		return nil, fmt.Errorf("%w: htype %d unsupported, only ntor (%d)", ErrBadPayload, p.HType, NtorHType)
	}
	if len(p.HData) != NtorHLen {
		return nil, fmt.Errorf("%w: ntor hdata length %d, expected %d", ErrBadPayload, len(p.HData), NtorHLen)
	}

	buf := []byte{byte(len(p.LinkSpecifiers))}
	for _, ls := range p.LinkSpecifiers {
		buf = append(buf, ls.bytes()...)
	}
	var htypeBuf, hlenBuf [2]byte
	binary.BigEndian.PutUint16(htypeBuf[:], p.HType)
	binary.BigEndian.PutUint16(hlenBuf[:], uint16(len(p.HData)))
	buf = append(buf, htypeBuf[:]...)
	buf = append(buf, hlenBuf[:]...)
	buf = append(buf, p.HData...)

	if len(buf) > MaxRelayPayloadLen {
		return nil, fmt.Errorf("%w: EXTEND2 rpayload length %d exceeds max %d", ErrBadPayload, len(buf), MaxRelayPayloadLen)
	}
	return buf, nil
}

// ParseExtend2Payload parses an EXTEND2 relay cell's rpayload.
func ParseExtend2Payload(buf []byte) (Extend2Payload, error) {
	if len(buf) < 1 {
		return Extend2Payload{}, fmt.Errorf("%w: EXTEND2 payload empty", ErrBadPayload)
	}
	n := int(buf[0])
	off := 1
	specs := make([]Extend2LinkSpecifier, 0, n)
	for i := 0; i < n; i++ {
		if len(buf) < off+2 {
			return Extend2Payload{}, fmt.Errorf("%w: EXTEND2 link specifier truncated", ErrBadPayload)
		}
		lstype := buf[off]
		llen := int(buf[off+1])
		off += 2
		if len(buf) < off+llen {
			return Extend2Payload{}, fmt.Errorf("%w: EXTEND2 link specifier data truncated", ErrBadPayload)
		}
		data := make([]byte, llen)
		copy(data, buf[off:off+llen])
		off += llen
		specs = append(specs, Extend2LinkSpecifier{Type: lstype, Data: data})
	}
	if len(buf) < off+4 {
		return Extend2Payload{}, fmt.Errorf("%w: EXTEND2 missing handshake header", ErrBadPayload)
	}
	htype := binary.BigEndian.Uint16(buf[off : off+2])
	hlen := binary.BigEndian.Uint16(buf[off+2 : off+4])
	off += 4
	if htype != NtorHType || hlen != NtorHLen {
		return Extend2Payload{}, fmt.Errorf("%w: EXTEND2 handshake type/length unsupported", ErrBadPayload)
	}
	if len(buf) < off+int(hlen) {
		return Extend2Payload{}, fmt.Errorf("%w: EXTEND2 hdata truncated", ErrBadPayload)
	}
	hdata := make([]byte, hlen)
	copy(hdata, buf[off:off+int(hlen)])
	return Extend2Payload{LinkSpecifiers: specs, HType: htype, HData: hdata}, nil
}

// Extended2Payload is the rpayload of an EXTENDED2 relay cell: the nested
// CREATED2 reply from the extended-to hop.
type Extended2Payload struct {
	HLen  uint16
	HData []byte
}

// MakeExtended2Payload validates and serializes an EXTENDED2 rpayload.
func MakeExtended2Payload(hdata []byte) ([]byte, error) {
	if len(hdata) != NtorReplyHLen {
		return nil, fmt.Errorf("%w: ntor reply hdata length %d, expected %d", ErrBadPayload, len(hdata), NtorReplyHLen)
	}
	buf := make([]byte, 2+len(hdata))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(hdata)))
	copy(buf[2:], hdata)
	return buf, nil
}

// ParseExtended2Payload parses an EXTENDED2 relay cell's rpayload.
func ParseExtended2Payload(buf []byte) (Extended2Payload, error) {
	if len(buf) < 2 {
		return Extended2Payload{}, fmt.Errorf("%w: EXTENDED2 payload too short", ErrBadPayload)
	}
	hlen := binary.BigEndian.Uint16(buf[0:2])
	if hlen != NtorReplyHLen {
		return Extended2Payload{}, fmt.Errorf("%w: EXTENDED2 hlen %d, expected %d", ErrBadPayload, hlen, NtorReplyHLen)
	}
	if len(buf) < 2+int(hlen) {
		return Extended2Payload{}, fmt.Errorf("%w: EXTENDED2 hdata truncated", ErrBadPayload)
	}
	hdata := make([]byte, hlen)
	copy(hdata, buf[2:2+int(hlen)])
	return Extended2Payload{HLen: hlen, HData: hdata}, nil
}
