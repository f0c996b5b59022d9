// Package wire implements the framing and message vocabulary spoken between
// memmesh clients and nodes.
//
// Every message is a fixed-width ASCII decimal header giving the payload
// length, left aligned and padded with spaces, followed by a UTF-8 JSON
// payload:
//
//	"27" + 62 spaces              ← HeaderLength bytes
//	{"type":"disconnect"}…        ← payload
package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// DefaultHeaderLength is the header width used when none is configured.
const DefaultHeaderLength = 64

// MaxPayload bounds the payload size a reader will accept.
const MaxPayload = 64 << 20

var (
	// ErrBadFrame is returned when a header cannot be parsed. The stream is
	// out of sync afterwards and the connection should be dropped.
	ErrBadFrame = errors.New("bad frame")

	// ErrMalformed is returned for well-framed messages whose content cannot
	// be decoded. The stream remains usable.
	ErrMalformed = errors.New("malformed message")
)

// Codec reads and writes length-prefixed JSON frames.
type Codec struct {
	HeaderLength int
}

// NewCodec returns a codec with the given header width, or the default if
// headerLength is not positive.
func NewCodec(headerLength int) Codec {
	if headerLength <= 0 {
		headerLength = DefaultHeaderLength
	}
	return Codec{HeaderLength: headerLength}
}

// WriteMessage encodes v as JSON and writes it as a single frame.
func (c Codec) WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	n := strconv.Itoa(len(payload))
	if len(n) > c.HeaderLength {
		return errors.Errorf("payload of %d bytes does not fit a %d byte header", len(payload), c.HeaderLength)
	}

	frame := make([]byte, 0, c.HeaderLength+len(payload))
	frame = append(frame, n...)
	frame = append(frame, bytes.Repeat([]byte{' '}, c.HeaderLength-len(n))...)
	frame = append(frame, payload...)
	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadMessage reads one frame and decodes its payload into v. A clean end of
// stream before the header is reported as io.EOF.
func (c Codec) ReadMessage(r io.Reader, v any) error {
	header := make([]byte, c.HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return errors.Wrap(err, "read header")
	}

	n, err := strconv.Atoi(string(bytes.TrimSpace(header)))
	if err != nil || n < 0 {
		return errors.Wrapf(ErrBadFrame, "header %q", bytes.TrimSpace(header))
	}
	if n > MaxPayload {
		return errors.Wrapf(ErrBadFrame, "payload of %d bytes exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return errors.Wrap(err, "read payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrapf(ErrMalformed, "decode payload: %v", err)
	}
	return nil
}
