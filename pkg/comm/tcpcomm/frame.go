package tcpcomm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeader is the fixed-size prefix on every frame: a signed tag
// (pario dispatch/exchange tags are small positive ints, but internal
// collectives borrow negative ones the way localcomm's gather does) and
// the payload length. No magic byte or version field: both ends of a
// tcpcomm connection always run the same pario build.
type frameHeader struct {
	Tag int32
	Len uint32
}

const frameHeaderSize = 8

// maxFrameLen guards against a corrupt or hostile length prefix turning
// into an unbounded allocation.
const maxFrameLen = 1 << 30 // 1 GiB

func writeFrame(w io.Writer, tag int32, payload []byte) error {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(tag))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("tcpcomm: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("tcpcomm: write frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (int32, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	tag := int32(binary.BigEndian.Uint32(hdr[0:4]))
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("tcpcomm: frame length %d exceeds limit", n)
	}
	if n == 0 {
		return tag, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("tcpcomm: read frame payload: %w", err)
	}
	return tag, payload, nil
}
