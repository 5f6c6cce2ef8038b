// Package wire implements the ZooKeeper client wire format: length-prefixed
// frames carrying big-endian jute records.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds the payload of a single frame.
const DefaultMaxFrameSize = 4 << 20

var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	ErrMalformed     = errors.New("wire: malformed record")
	ErrUnsupported   = errors.New("wire: unsupported payload")
)

// ReadFrame reads one length-prefixed frame and returns its payload.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	return ReadFrameBody(r, hdr, max)
}

// ReadFrameBody reads the payload of a frame whose 4-byte length prefix has
// already been consumed. Callers that need to sniff the prefix (for
// four-letter words) use this directly.
func ReadFrameBody(r io.Reader, hdr [4]byte, max int) ([]byte, error) {
	n := int32(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 {
		return nil, fmt.Errorf("%w: negative frame length %d", ErrMalformed, n)
	}
	if max > 0 && int(n) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload with its length prefix in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

var fourLetterWords = map[string]struct{}{
	"ruok": {},
	"srvr": {},
	"stat": {},
	"cons": {},
	"mntr": {},
	"envi": {},
	"conf": {},
	"isro": {},
}

// FourLetterWord reports whether a frame's length prefix is actually one of
// the administrative four-letter commands.
func FourLetterWord(hdr [4]byte) (string, bool) {
	cmd := string(hdr[:])
	_, ok := fourLetterWords[cmd]
	return cmd, ok
}
