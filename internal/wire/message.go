// Package wire implements the fixed-width frame format spoken between permitd
// and its clients.
//
// Every frame is exactly Size bytes:
//
//	offset 0     kind       '1' REQUEST, '2' GRANT, '3' RELEASE
//	offset 1     requester  ASCII digit identifying the requesting process
//	offset 2..9  padding    ignored on decode
//
// The format is closed; there is no version negotiation.
package wire

import (
	"errors"
	"fmt"
	"io"
)

// Size is the encoded length of every frame.
const Size = 10

// padByte fills offsets 2..9 on encode.
const padByte = '0'

// ErrMalformedMessage reports a frame with the wrong length or an unknown kind.
var ErrMalformedMessage = errors.New("wire: malformed message")

// Kind identifies the frame type.
type Kind byte

const (
	// KindRequest asks the coordinator to queue the requester for the permit.
	KindRequest Kind = '1'
	// KindGrant hands the permit to the requester named in the frame.
	KindGrant Kind = '2'
	// KindRelease returns the permit to the coordinator.
	KindRelease Kind = '3'
)

// Valid reports whether k is one of the three recognised kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindGrant, KindRelease:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindGrant:
		return "grant"
	case KindRelease:
		return "release"
	default:
		return fmt.Sprintf("unknown(%q)", byte(k))
	}
}

// Message is a decoded frame.
type Message struct {
	Kind      Kind
	Requester byte
}

// Request builds a REQUEST frame for requester.
func Request(requester byte) Message { return Message{Kind: KindRequest, Requester: requester} }

// Grant builds a GRANT frame for requester.
func Grant(requester byte) Message { return Message{Kind: KindGrant, Requester: requester} }

// Release builds a RELEASE frame for requester.
func Release(requester byte) Message { return Message{Kind: KindRelease, Requester: requester} }

// RequesterID returns the small integer encoded in the requester byte, or -1
// when the byte is not an ASCII digit.
func (m Message) RequesterID() int {
	return RequesterID(m.Requester)
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%s)", m.Kind, RequesterLabel(m.Requester))
}

// RequesterFromInt converts a process identity in [0, 9] to its wire byte.
func RequesterFromInt(id int) (byte, error) {
	if id < 0 || id > 9 {
		return 0, fmt.Errorf("wire: requester id %d outside 0-9", id)
	}
	return byte('0' + id), nil
}

// RequesterID converts a requester byte back to its integer identity, or -1.
func RequesterID(b byte) int {
	if b < '0' || b > '9' {
		return -1
	}
	return int(b - '0')
}

// RequesterLabel renders a requester byte for logs and JSON. Digits render as
// themselves; anything else is shown as a hex escape.
func RequesterLabel(b byte) string {
	if RequesterID(b) >= 0 {
		return string(rune(b))
	}
	return fmt.Sprintf("0x%02x", b)
}

// Encode renders m into a Size-byte frame.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, Size)
	if err := EncodeTo(buf, m); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo renders m into dst, which must be exactly Size bytes long.
func EncodeTo(dst []byte, m Message) error {
	if len(dst) != Size {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", ErrMalformedMessage, len(dst), Size)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrMalformedMessage, byte(m.Kind))
	}
	dst[0] = byte(m.Kind)
	dst[1] = m.Requester
	for i := 2; i < Size; i++ {
		dst[i] = padByte
	}
	return nil
}

// Decode parses a frame. Any length other than Size, or an unknown kind byte,
// fails with ErrMalformedMessage.
func Decode(buf []byte) (Message, error) {
	if len(buf) != Size {
		return Message{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedMessage, len(buf), Size)
	}
	kind := Kind(buf[0])
	if !kind.Valid() {
		return Message{}, fmt.Errorf("%w: kind %q", ErrMalformedMessage, buf[0])
	}
	return Message{Kind: kind, Requester: buf[1]}, nil
}

// ReadMessage reads exactly one frame from r. A stream that ends before the
// first byte yields io.EOF; a stream that ends mid-frame is malformed.
func ReadMessage(r io.Reader) (Message, error) {
	var buf [Size]byte
	n, err := io.ReadFull(r, buf[:])
	switch {
	case err == nil:
		return Decode(buf[:])
	case errors.Is(err, io.EOF) && n == 0:
		return Message{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Message{}, fmt.Errorf("%w: truncated frame (%d of %d bytes)", ErrMalformedMessage, n, Size)
	default:
		return Message{}, err
	}
}

// WriteMessage encodes m and writes it to w in a single call.
func WriteMessage(w io.Writer, m Message) error {
	var buf [Size]byte
	if err := EncodeTo(buf[:], m); err != nil {
		return err
	}
	_, err := w.Write(buf[:])
	return err
}
