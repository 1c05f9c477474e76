package cell

import (
	"encoding/binary"
	"fmt"
	"net"
)

// TLV address types used in NETINFO (tor-spec §6.4).
const (
	AddrTypeIPv4 = 4
	AddrTypeIPv6 = 6

	maxThisOrAddresses = 5
)

// TLVAddress is a type/length/value address entry as carried in NETINFO.
type TLVAddress struct {
	Type  uint8
	Value net.IP
}

// NewTLVAddress builds a TLVAddress from an IPv4 or IPv6 address.
func NewTLVAddress(ip net.IP) (TLVAddress, error) {
	if v4 := ip.To4(); v4 != nil {
		return TLVAddress{Type: AddrTypeIPv4, Value: v4}, nil
	}
	if v6 := ip.To16(); v6 != nil {
		return TLVAddress{Type: AddrTypeIPv6, Value: v6}, nil
	}
	return TLVAddress{}, fmt.Errorf("%w: not a valid IPv4/IPv6 address", ErrBadPayload)
}

func (a TLVAddress) bytes() []byte {
	out := make([]byte, 2+len(a.Value))
	out[0] = a.Type
	out[1] = byte(len(a.Value))
	copy(out[2:], a.Value)
	return out
}

func parseTLVAddress(data []byte) (TLVAddress, int, error) {
	if len(data) < 2 {
		return TLVAddress{}, 0, fmt.Errorf("%w: TLV address truncated", ErrBadPayload)
	}
	atype := data[0]
	alen := int(data[1])
	if len(data) < 2+alen {
		return TLVAddress{}, 0, fmt.Errorf("%w: TLV address value truncated", ErrBadPayload)
	}
	switch {
	case atype == AddrTypeIPv4 && alen == 4:
	case atype == AddrTypeIPv6 && alen == 16:
	default:
		// Unrecognized or mismatched type/length: skip its bytes but don't
		// fail the whole cell — tor-spec allows additional address types.
	}
	value := make(net.IP, alen)
	copy(value, data[2:2+alen])
	return TLVAddress{Type: atype, Value: value}, 2 + alen, nil
}

// NetInfo is the payload of a NETINFO cell.
type NetInfo struct {
	Timestamp       uint32
	OtherAddr       TLVAddress
	ThisOrAddresses []TLVAddress
}

// MakeNetInfo validates and builds a NETINFO cell. At most
// maxThisOrAddresses "this or address" entries are allowed.
func MakeNetInfo(circID uint32, linkVersion uint8, timestamp uint32, other TLVAddress, this []TLVAddress) (Raw, error) {
	if len(this) > maxThisOrAddresses {
		return Raw{}, fmt.Errorf("%w: %d this_or_addresses exceeds max %d", ErrBadPayload, len(this), maxThisOrAddresses)
	}
	payload := make([]byte, 0, 4+2+len(other.Value)+1+64)
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], timestamp)
	payload = append(payload, ts[:]...)
	payload = append(payload, other.bytes()...)
	payload = append(payload, byte(len(this)))
	for _, a := range this {
		payload = append(payload, a.bytes()...)
	}
	return NewFixedRaw(circID, CmdNetInfo, linkVersion, payload), nil
}

// ParseNetInfo parses and validates a NETINFO cell's payload.
func ParseNetInfo(r Raw) (NetInfo, error) {
	if len(r.Payload) < 4 {
		return NetInfo{}, fmt.Errorf("%w: NETINFO payload too short", ErrBadPayload)
	}
	off := 0
	ts := binary.BigEndian.Uint32(r.Payload[off : off+4])
	off += 4

	other, n, err := parseTLVAddress(r.Payload[off:])
	if err != nil {
		return NetInfo{}, err
	}
	off += n

	if len(r.Payload) < off+1 {
		return NetInfo{}, fmt.Errorf("%w: NETINFO missing num_addresses", ErrBadPayload)
	}
	numAddrs := int(r.Payload[off])
	off++
	if numAddrs > maxThisOrAddresses {
		return NetInfo{}, fmt.Errorf("%w: %d this_or_addresses exceeds max %d", ErrBadPayload, numAddrs, maxThisOrAddresses)
	}

	this := make([]TLVAddress, 0, numAddrs)
	for i := 0; i < numAddrs; i++ {
		a, n, err := parseTLVAddress(r.Payload[off:])
		if err != nil {
			return NetInfo{}, err
		}
		off += n
		this = append(this, a)
	}

	return NetInfo{Timestamp: ts, OtherAddr: other, ThisOrAddresses: this}, nil
}
