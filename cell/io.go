package cell

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader reads Tor cells from a buffered network connection. Unlike Parse
// (which operates on an already-buffered byte slice and returns
// ErrNotEnoughBytes for the caller to retry once more data has arrived),
// Reader blocks on the underlying connection until a complete cell is
// available — the natural shape for a link-layer framer sitting directly on
// a TLS socket.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r *bufio.Reader) *Reader {
	return &Reader{r: r}
}

// ReadCell reads one cell framed for linkVersion.
func (cr *Reader) ReadCell(linkVersion uint8) (Raw, error) {
	w := CircIDWidth(linkVersion)
	hdr := make([]byte, w+1)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return Raw{}, fmt.Errorf("read cell header: %w", err)
	}
	cmd := Command(hdr[w])

	if IsVariableLength(cmd) {
		var lenBuf [2]byte
		if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
			return Raw{}, fmt.Errorf("read varlen length: %w", err)
		}
		plen := int(binary.BigEndian.Uint16(lenBuf[:]))
		if plen > MaxVarPayloadLen {
			return Raw{}, fmt.Errorf("%w: variable-length payload %d exceeds max %d", ErrBadHeader, plen, MaxVarPayloadLen)
		}
		payload := make([]byte, plen)
		if plen > 0 {
			if _, err := io.ReadFull(cr.r, payload); err != nil {
				return Raw{}, fmt.Errorf("read varlen payload: %w", err)
			}
		}
		return Raw{Header: Header{CircID: readCircID(hdr, w), Cmd: cmd, LinkVersion: linkVersion}, Payload: payload}, nil
	}

	total := FixedLen(linkVersion)
	payload := make([]byte, total-(w+1))
	if _, err := io.ReadFull(cr.r, payload); err != nil {
		return Raw{}, fmt.Errorf("read fixed payload: %w", err)
	}
	return Raw{Header: Header{CircID: readCircID(hdr, w), Cmd: cmd, LinkVersion: linkVersion}, Payload: payload}, nil
}

// ReadVersionsCell reads a VERSIONS cell, which always uses a 2-byte
// circuit id regardless of negotiated link version — it is read before any
// link version has been negotiated.
func (cr *Reader) ReadVersionsCell() (Raw, error) {
	hdr := make([]byte, 5) // 2-byte circID + cmd + 2-byte length
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return Raw{}, fmt.Errorf("read versions header: %w", err)
	}
	if Command(hdr[2]) != CmdVersions {
		return Raw{}, fmt.Errorf("%w: expected VERSIONS (7), got command %d", ErrBadHeader, hdr[2])
	}
	plen := int(binary.BigEndian.Uint16(hdr[3:5]))
	payload := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(cr.r, payload); err != nil {
			return Raw{}, fmt.Errorf("read versions payload: %w", err)
		}
	}
	return Raw{Header: Header{CircID: 0, Cmd: CmdVersions, LinkVersion: 0}, Payload: payload}, nil
}

// Writer writes Tor cells to a connection.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (cw *Writer) WriteCell(r Raw) error {
	_, err := cw.w.Write(r.Bytes(false))
	return err
}
