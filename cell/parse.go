package cell

import (
	"encoding/binary"
	"fmt"
)

// classify peeks at buf's header and returns the circuit-id width and
// command byte it implies for linkVersion. linkVersion must already be the
// negotiated link version — VERSIONS cells, which are always framed with a
// 2-byte circuit id regardless of link version, are read before any version
// is negotiated and so never go through this path; use ParseVersionsCell/
// EnoughBytesForVersionsCell for that pre-negotiation framing instead of
// sniffing it from header bytes that overlap the real circuit id.
func classify(buf []byte, linkVersion uint8) (circIDWidth int, cmd Command, ok bool) {
	w := CircIDWidth(linkVersion)
	if len(buf) <= w {
		return 0, 0, false
	}
	return w, Command(buf[w]), true
}

// EnoughBytesForCell reports whether buf contains at least one complete
// cell for linkVersion, without consuming it. It never raises: a short
// header yields false.
func EnoughBytesForCell(buf []byte, linkVersion uint8) bool {
	w, cmd, ok := classify(buf, linkVersion)
	if !ok {
		return false
	}
	hdrLen := w + 1
	if IsVariableLength(cmd) {
		if len(buf) < hdrLen+2 {
			return false
		}
		plen := int(binary.BigEndian.Uint16(buf[hdrLen : hdrLen+2]))
		return len(buf) >= hdrLen+2+plen
	}
	return len(buf) >= FixedLen(linkVersion)
}

// EnoughBytesForVersionsCell reports whether buf contains a complete
// VERSIONS cell, framed with the fixed 2-byte pre-negotiation circuit id.
func EnoughBytesForVersionsCell(buf []byte) bool {
	const hdrLen = 3 // 2-byte circID + cmd
	if len(buf) < hdrLen+2 {
		return false
	}
	plen := int(binary.BigEndian.Uint16(buf[hdrLen : hdrLen+2]))
	return len(buf) >= hdrLen+2+plen
}

// ParseVersionsCell reads a VERSIONS cell from the front of buf using the
// fixed 2-byte pre-negotiation circuit id framing (tor-spec §3: VERSIONS is
// always framed this way, regardless of link version, since it's exchanged
// before any version is negotiated). This is the buffer-based counterpart to
// Reader.ReadVersionsCell.
func ParseVersionsCell(buf []byte) (Raw, int, error) {
	const hdrLen = 3
	if len(buf) < hdrLen+2 {
		return Raw{}, 0, ErrNotEnoughBytes
	}
	if Command(buf[2]) != CmdVersions {
		return Raw{}, 0, fmt.Errorf("%w: expected VERSIONS (7), got command %d", ErrBadHeader, buf[2])
	}
	plen := int(binary.BigEndian.Uint16(buf[hdrLen : hdrLen+2]))
	total := hdrLen + 2 + plen
	if len(buf) < total {
		return Raw{}, 0, ErrNotEnoughBytes
	}
	payload := make([]byte, plen)
	copy(payload, buf[hdrLen+2:total])
	return Raw{Header: Header{CircID: 0, Cmd: CmdVersions, LinkVersion: 0}, Payload: payload}, total, nil
}

// Parse reads one cell from the front of buf, framed for the already-
// negotiated linkVersion. It returns the parsed Raw cell, the number of
// bytes consumed, and an error.
//
// If encrypted is true and the command is RELAY or RELAY_EARLY, the
// returned Raw's Payload is the opaque 509-byte ciphertext — callers must
// not try to interpret it as a typed relay-cell body until it has been
// decrypted by the onion engine.
func Parse(buf []byte, linkVersion uint8, encrypted bool) (Raw, int, error) {
	w, cmd, ok := classify(buf, linkVersion)
	if !ok {
		return Raw{}, 0, ErrNotEnoughBytes
	}
	hdrLen := w + 1

	if IsVariableLength(cmd) {
		if len(buf) < hdrLen+2 {
			return Raw{}, 0, ErrNotEnoughBytes
		}
		plen := int(binary.BigEndian.Uint16(buf[hdrLen : hdrLen+2]))
		if plen > MaxVarPayloadLen {
			return Raw{}, 0, fmt.Errorf("%w: variable-length payload %d exceeds max %d", ErrBadHeader, plen, MaxVarPayloadLen)
		}
		total := hdrLen + 2 + plen
		if len(buf) < total {
			return Raw{}, 0, ErrNotEnoughBytes
		}
		if !isKnownCommand(cmd) {
			return Raw{}, 0, fmt.Errorf("%w: command %d", ErrUnknownCommand, cmd)
		}
		circID := readCircID(buf, w)
		payload := make([]byte, plen)
		copy(payload, buf[hdrLen+2:total])
		return Raw{Header: Header{CircID: circID, Cmd: cmd, LinkVersion: linkVersion}, Payload: payload}, total, nil
	}

	total := FixedLen(linkVersion)
	if len(buf) < total {
		return Raw{}, 0, ErrNotEnoughBytes
	}
	circID := readCircID(buf, w)
	payload := make([]byte, total-hdrLen)
	copy(payload, buf[hdrLen:total])

	if encrypted && (cmd == CmdRelay || cmd == CmdRelayEarly) {
		return Raw{Header: Header{CircID: circID, Cmd: cmd, LinkVersion: linkVersion}, Payload: payload}, total, nil
	}
	if !isKnownCommand(cmd) {
		return Raw{}, 0, fmt.Errorf("%w: command %d", ErrUnknownCommand, cmd)
	}
	return Raw{Header: Header{CircID: circID, Cmd: cmd, LinkVersion: linkVersion}, Payload: payload}, total, nil
}

func readCircID(buf []byte, w int) uint32 {
	if w == 2 {
		return uint32(binary.BigEndian.Uint16(buf[0:2]))
	}
	return binary.BigEndian.Uint32(buf[0:4])
}

func isKnownCommand(cmd Command) bool {
	switch cmd {
	case CmdPadding, CmdCreate, CmdCreated, CmdRelay, CmdDestroy,
		CmdCreateFast, CmdCreatedFast, CmdVersions, CmdNetInfo, CmdRelayEarly,
		CmdCreate2, CmdCreated2, CmdPaddingNegotiate,
		CmdVPadding, CmdCerts, CmdAuthChallenge, CmdAuthenticate, CmdAuthorize:
		return true
	default:
		return false
	}
}

// ParseVersions extracts the version numbers from a VERSIONS cell's
// payload.
func ParseVersions(r Raw) []uint16 {
	n := len(r.Payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(r.Payload[2*i:])
	}
	return versions
}

// NewVersions builds a VERSIONS cell (always 2-byte circuit id 0).
func NewVersions(versions []uint16) Raw {
	payload := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	return NewVarRaw(0, CmdVersions, 0, payload)
}
