package cell

import "fmt"

// DESTROY/TRUNCATED reason codes (tor-spec §5.4).
const (
	DestroyNone          = 0
	DestroyProtocol      = 1
	DestroyInternal      = 2
	DestroyRequested     = 3
	DestroyHibernating   = 4
	DestroyResourceLimit = 5
	DestroyConnectFailed = 6
	DestroyORIdentity    = 7
	DestroyORConnClosed  = 8
	DestroyFinished      = 9
	DestroyTimeout       = 10
	DestroyDestroyed     = 11
	DestroyNoSuchService = 12
)

var destroyReasons = map[uint8]bool{
	DestroyNone: true, DestroyProtocol: true, DestroyInternal: true,
	DestroyRequested: true, DestroyHibernating: true, DestroyResourceLimit: true,
	DestroyConnectFailed: true, DestroyORIdentity: true, DestroyORConnClosed: true,
	DestroyFinished: true, DestroyTimeout: true, DestroyDestroyed: true,
	DestroyNoSuchService: true,
}

// MakeDestroy validates reason against the published truncate-reason set
// and builds a DESTROY cell. A client originating a DESTROY should always
// pass DestroyNone to avoid leaking information about its internal state.
func MakeDestroy(circID uint32, linkVersion uint8, reason uint8) (Raw, error) {
	if !destroyReasons[reason] {
		return Raw{}, fmt.Errorf("%w: unrecognized DESTROY reason %d", ErrBadPayload, reason)
	}
	return NewFixedRaw(circID, CmdDestroy, linkVersion, []byte{reason}), nil
}

// ParseDestroy validates and extracts the reason byte from a DESTROY cell.
func ParseDestroy(r Raw) (uint8, error) {
	if len(r.Payload) < 1 {
		return 0, fmt.Errorf("%w: DESTROY payload empty", ErrBadPayload)
	}
	reason := r.Payload[0]
	if !destroyReasons[reason] {
		return 0, fmt.Errorf("%w: unrecognized DESTROY reason %d", ErrBadPayload, reason)
	}
	return reason, nil
}
