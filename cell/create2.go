package cell

import (
	"encoding/binary"
	"fmt"
)

// NTor handshake type/length constants (tor-spec §5.1).
const (
	NtorHType = 2
	NtorHLen  = 84
	// NtorReplyHLen is the length of a CREATED2/EXTENDED2 ntor reply (Y || AUTH).
	NtorReplyHLen = 64
)

// Create2 is the payload of a CREATE2 cell: a handshake type, length, and
// opaque handshake data (the client's ntor onion-skin).
type Create2 struct {
	HType uint16
	HLen  uint16
	HData []byte
}

// MakeCreate2 validates and builds a CREATE2 cell. Only the ntor handshake
// (htype=2, hlen=84) is supported; anything else is refused with
// ErrBadPayload.
func MakeCreate2(circID uint32, linkVersion uint8, htype uint16, hdata []byte) (Raw, error) {
	if htype != NtorHType {
		return Raw{}, fmt.Errorf("%w: htype %d unsupported, only ntor (%d)", ErrBadPayload, htype, NtorHType)
	}
	if len(hdata) != NtorHLen {
		return Raw{}, fmt.Errorf("%w: ntor hdata length %d, expected %d", ErrBadPayload, len(hdata), NtorHLen)
	}
	payload := make([]byte, 4+NtorHLen)
	binary.BigEndian.PutUint16(payload[0:2], htype)
	binary.BigEndian.PutUint16(payload[2:4], NtorHLen)
	copy(payload[4:], hdata)
	return NewFixedRaw(circID, CmdCreate2, linkVersion, payload), nil
}

// ParseCreate2 parses and validates a CREATE2 cell's payload.
func ParseCreate2(r Raw) (Create2, error) {
	if len(r.Payload) < 4 {
		return Create2{}, fmt.Errorf("%w: CREATE2 payload too short", ErrBadPayload)
	}
	htype := binary.BigEndian.Uint16(r.Payload[0:2])
	hlen := binary.BigEndian.Uint16(r.Payload[2:4])
	if htype != NtorHType {
		return Create2{}, fmt.Errorf("%w: CREATE2 htype %d unsupported", ErrBadPayload, htype)
	}
	if hlen != NtorHLen {
		return Create2{}, fmt.Errorf("%w: CREATE2 hlen %d, expected %d", ErrBadPayload, hlen, NtorHLen)
	}
	if len(r.Payload) < 4+int(hlen) {
		return Create2{}, fmt.Errorf("%w: CREATE2 hdata truncated", ErrBadPayload)
	}
	hdata := make([]byte, hlen)
	copy(hdata, r.Payload[4:4+int(hlen)])
	return Create2{HType: htype, HLen: hlen, HData: hdata}, nil
}

// Created2 is the payload of a CREATED2 cell: hlen + the relay's ntor reply
// (Y || AUTH).
type Created2 struct {
	HLen  uint16
	HData []byte
}

// ParseCreated2 parses and validates a CREATED2 cell's payload.
func ParseCreated2(r Raw) (Created2, error) {
	if len(r.Payload) < 2 {
		return Created2{}, fmt.Errorf("%w: CREATED2 payload too short", ErrBadPayload)
	}
	hlen := binary.BigEndian.Uint16(r.Payload[0:2])
	if hlen != NtorReplyHLen {
		return Created2{}, fmt.Errorf("%w: CREATED2 hlen %d, expected %d", ErrBadPayload, hlen, NtorReplyHLen)
	}
	if len(r.Payload) < 2+int(hlen) {
		return Created2{}, fmt.Errorf("%w: CREATED2 hdata truncated", ErrBadPayload)
	}
	hdata := make([]byte, hlen)
	copy(hdata, r.Payload[2:2+int(hlen)])
	return Created2{HLen: hlen, HData: hdata}, nil
}
