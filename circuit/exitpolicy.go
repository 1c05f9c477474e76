package circuit

import (
	"fmt"
	"strconv"
	"strings"
)

// PortRange is an inclusive range of TCP ports, as found in a
// microdescriptor's "p" summary line.
type PortRange struct {
	Lo, Hi uint16
}

func (r PortRange) contains(port uint16) bool {
	return port >= r.Lo && port <= r.Hi
}

// ExitPolicy is a relay's abbreviated exit policy as published in the "p"
// (and IPv6 "p6") line of its microdescriptor: a single accept-list or
// reject-list of ports, with the opposite outcome implied for every port
// not listed (tor-dir-spec §3.2).
type ExitPolicy struct {
	Accept bool // true: Ports are the only ports permitted; false: Ports are forbidden, everything else permitted
	Ports  []PortRange
}

// ParseExitPolicySummary parses the body of a microdescriptor "p" line —
// everything after the leading "p " or "p6 " — e.g. "accept 80,443" or
// "reject 1-65535".
func ParseExitPolicySummary(body string) (ExitPolicy, error) {
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return ExitPolicy{}, fmt.Errorf("malformed exit policy summary: %q", body)
	}

	var accept bool
	switch fields[0] {
	case "accept":
		accept = true
	case "reject":
		accept = false
	default:
		return ExitPolicy{}, fmt.Errorf("exit policy summary: unknown verb %q", fields[0])
	}

	var ranges []PortRange
	for _, tok := range strings.Split(fields[1], ",") {
		if tok == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			loN, err := strconv.ParseUint(lo, 10, 16)
			if err != nil {
				return ExitPolicy{}, fmt.Errorf("exit policy summary: bad port range %q: %w", tok, err)
			}
			hiN, err := strconv.ParseUint(hi, 10, 16)
			if err != nil {
				return ExitPolicy{}, fmt.Errorf("exit policy summary: bad port range %q: %w", tok, err)
			}
			ranges = append(ranges, PortRange{Lo: uint16(loN), Hi: uint16(hiN)})
		} else {
			n, err := strconv.ParseUint(tok, 10, 16)
			if err != nil {
				return ExitPolicy{}, fmt.Errorf("exit policy summary: bad port %q: %w", tok, err)
			}
			ranges = append(ranges, PortRange{Lo: uint16(n), Hi: uint16(n)})
		}
	}

	return ExitPolicy{Accept: accept, Ports: ranges}, nil
}

// Allows reports whether this exit policy permits connections to port.
func (p ExitPolicy) Allows(port uint16) bool {
	for _, r := range p.Ports {
		if r.contains(port) {
			return p.Accept
		}
	}
	return !p.Accept
}

// RejectsAll is the zero-value-safe conservative default for relays whose
// microdescriptor carried no "p" line — treat them as non-exits.
var RejectsAll = ExitPolicy{Accept: false, Ports: []PortRange{{Lo: 0, Hi: 65535}}}
