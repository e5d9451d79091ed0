// Package wire implements the length-prefixed text framing used by the
// control protocol.
//
// A frame is a big-endian uint16 byte count followed by that many bytes of
// UTF-8 text. One frame carries one protocol field: a message type, a file
// name, one line of file content or a reply.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"unicode/utf8"
)

// MaxFrameBytes is the largest payload a single frame can carry.
const MaxFrameBytes = 1<<16 - 1

var (
	// ErrFrameTooLarge is returned when a payload does not fit in one frame.
	ErrFrameTooLarge = errors.New("frame exceeds max bytes")

	// ErrInvalidUTF8 is returned when a frame payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("frame is not valid utf-8")
)

// LineSeparator is the host line terminator appended to stored lines.
var LineSeparator = lineSeparator(runtime.GOOS)

func lineSeparator(goos string) string {
	if goos == "windows" {
		return "\r\n"
	}
	return "\n"
}

// WriteFrame writes s as a single frame.
func WriteFrame(w io.Writer, s string) error {
	if len(s) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(s))
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	copy(buf[2:], s)
	return writeAll(w, buf)
}

// ReadFrame reads one frame.
//
// It returns io.EOF when the stream ends cleanly between frames and
// io.ErrUnexpectedEOF when it ends inside one.
func ReadFrame(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 {
		return "", nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if !utf8.Valid(body) {
		return "", ErrInvalidUTF8
	}
	return string(body), nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
