// Package protocol implements the wire format of the data channel: each
// frame is a 4-byte big-endian payload length, a 1-byte kind tag, and a
// JSON payload.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ID is the stream protocol identifier for the data channel.
const ID = "/archsock/1.0.0"

// Kind tags a frame's payload type.
type Kind byte

const (
	KindHello Kind = iota + 1
	KindText
	KindFileMeta
	KindFileChunk
	KindControl
)

// MaxFrameSize is the sanity bound on a frame's payload length. A peer
// declaring a larger frame is considered broken and its connection closed.
const MaxFrameSize = 4 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds size bound")
	ErrUnknownKind   = errors.New("unknown frame kind")
)

// Frame is one length-prefixed, kind-tagged protocol unit.
type Frame struct {
	Kind    Kind
	Payload []byte
}

func validKind(k Kind) bool {
	return k >= KindHello && k <= KindControl
}

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(f.Payload)))
	hdr[4] = byte(f.Kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(f.Payload)
	return err
}

// ReadFrame reads a single complete frame from r. Oversized lengths and
// unknown kind tags are reported as errors instead of being decoded, so a
// malformed peer can never make the reader allocate unbounded memory.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if length > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	kind := Kind(hdr[4])
	if !validKind(kind) {
		return Frame{}, ErrUnknownKind
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// Encode marshals v as the payload of a frame with the given kind.
func Encode(kind Kind, v any) (Frame, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s payload: %w", kindName(kind), err)
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// Decode unmarshals a frame payload into v.
func Decode(f Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", kindName(f.Kind), err)
	}
	return nil
}

func kindName(k Kind) string {
	switch k {
	case KindHello:
		return "hello"
	case KindText:
		return "text"
	case KindFileMeta:
		return "filemeta"
	case KindFileChunk:
		return "filechunk"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}
