// Package cell implements the Tor link-protocol cell codec: parsing and
// serializing both fixed-length and variable-length cells, link-version
// dependent header widths, and the typed payload constructors for the
// command set this client speaks.
package cell

import "encoding/binary"

// Command identifies a cell's wire command byte.
type Command uint8

// Command constants (tor-spec §3).
const (
	CmdPadding          Command = 0
	CmdCreate           Command = 1
	CmdCreated          Command = 2
	CmdRelay            Command = 3
	CmdDestroy          Command = 4
	CmdCreateFast       Command = 5
	CmdCreatedFast      Command = 6
	CmdVersions         Command = 7
	CmdNetInfo          Command = 8
	CmdRelayEarly       Command = 9
	CmdCreate2          Command = 10
	CmdCreated2         Command = 11
	CmdPaddingNegotiate Command = 12
	CmdVPadding         Command = 128
	CmdCerts            Command = 129
	CmdAuthChallenge    Command = 130
	CmdAuthenticate     Command = 131
	CmdAuthorize        Command = 132
)

const (
	// MaxPayloadLen is the size of a fixed-length cell's payload (the RELAY
	// cell body, tor-spec §6.1), regardless of link version.
	MaxPayloadLen = 509

	// FixedLenV3 is the total wire size of a fixed-length cell under link
	// protocol version ≤3 (2-byte circuit id).
	FixedLenV3 = 512
	// FixedLenV4 is the total wire size of a fixed-length cell under link
	// protocol version ≥4 (4-byte circuit id).
	FixedLenV4 = 514

	// MaxVarPayloadLen is a safety cap on variable-length cell payload size.
	MaxVarPayloadLen = 10000
)

// IsVariableLength reports whether cmd uses variable-length framing:
// VERSIONS (7) and all commands ≥128.
func IsVariableLength(cmd Command) bool {
	return cmd == CmdVersions || cmd >= 128
}

// CircIDWidth returns the width in bytes of the circuit-id field for the
// given link protocol version: 2 for v≤3, 4 for v≥4.
func CircIDWidth(linkVersion uint8) int {
	if linkVersion <= 3 {
		return 2
	}
	return 4
}

// FixedLen returns the total wire size of a fixed-length cell for the given
// link protocol version.
func FixedLen(linkVersion uint8) int {
	if linkVersion <= 3 {
		return FixedLenV3
	}
	return FixedLenV4
}

// Header is the parsed circuit-id/command header of a cell.
type Header struct {
	CircID      uint32
	Cmd         Command
	LinkVersion uint8
}

// headerLen returns the width of this header as framed on the wire: the
// VERSIONS command is always framed with a 2-byte circuit id, regardless of
// link version (tor-spec §4.1; spec's "protocol exception").
func (h Header) headerLen() int {
	if h.Cmd == CmdVersions {
		return 2 + 1
	}
	return CircIDWidth(h.LinkVersion) + 1
}

// Bytes returns the raw header bytes (circuit id + command).
func (h Header) Bytes() []byte {
	buf := make([]byte, h.headerLen())
	if h.Cmd == CmdVersions || CircIDWidth(h.LinkVersion) == 2 {
		binary.BigEndian.PutUint16(buf[0:2], uint16(h.CircID))
		buf[2] = byte(h.Cmd)
		return buf
	}
	binary.BigEndian.PutUint32(buf[0:4], h.CircID)
	buf[4] = byte(h.Cmd)
	return buf
}

// Raw is a cell represented as its command-specific payload bytes plus
// header. It is the common substrate every typed cell constructor/parser
// builds on top of.
type Raw struct {
	Header  Header
	Payload []byte // unpadded command-specific payload bytes
}

// NewFixedRaw builds a Raw fixed-length cell. Payload is padded to the full
// link-version size by Bytes unless trimmed is requested.
func NewFixedRaw(circID uint32, cmd Command, linkVersion uint8, payload []byte) Raw {
	return Raw{Header: Header{CircID: circID, Cmd: cmd, LinkVersion: linkVersion}, Payload: payload}
}

// NewVarRaw builds a Raw variable-length cell.
func NewVarRaw(circID uint32, cmd Command, linkVersion uint8, payload []byte) Raw {
	return Raw{Header: Header{CircID: circID, Cmd: cmd, LinkVersion: linkVersion}, Payload: payload}
}

// Bytes serializes the cell. Fixed-length cells are right-padded with zero
// bytes to the full link-version size unless trimmed is true, in which case
// no padding is added — used by tests and by digest-input computations,
// never emitted on the wire.
func (r Raw) Bytes(trimmed bool) []byte {
	hdr := r.Header.Bytes()
	if IsVariableLength(r.Header.Cmd) {
		out := make([]byte, len(hdr)+2+len(r.Payload))
		n := copy(out, hdr)
		binary.BigEndian.PutUint16(out[n:n+2], uint16(len(r.Payload)))
		copy(out[n+2:], r.Payload)
		return out
	}

	out := make([]byte, len(hdr)+len(r.Payload))
	n := copy(out, hdr)
	copy(out[n:], r.Payload)
	if trimmed {
		return out
	}
	full := FixedLen(r.Header.LinkVersion)
	if len(out) >= full {
		return out
	}
	padded := make([]byte, full)
	copy(padded, out)
	return padded
}

// PayloadCapacity returns the number of payload bytes a fixed-length cell
// carries for the given link version (MaxPayloadLen in all cases — the
// header sits outside the padded payload region).
func PayloadCapacity(linkVersion uint8) int {
	return FixedLen(linkVersion) - CircIDWidth(linkVersion) - 1
}
