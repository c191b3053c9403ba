// Package wire implements the length-prefixed framing and msgpack codec
// adapter used by peer connections, plus the wire shapes described in
// spec.md §6.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// Kind is the small positive integer identifying a frame's payload shape.
type Kind uint8

const (
	KindHandshake    Kind = 1
	KindAnnounce     Kind = 2
	KindUnannounce   Kind = 3
	KindPublish      Kind = 4
	KindRPCRequest   Kind = 5
	KindRPCResponse  Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "HANDSHAKE"
	case KindAnnounce:
		return "ANNOUNCE"
	case KindUnannounce:
		return "UNANNOUNCE"
	case KindPublish:
		return "PUBLISH"
	case KindRPCRequest:
		return "RPC_REQUEST"
	case KindRPCResponse:
		return "RPC_RESPONSE"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Return codes carried in an RPC_RESPONSE payload.
const (
	RCOk         = 0
	RCNoHandler  = 1
	RCKnownErr   = 2
	RCUnknownErr = 3
	RCLostConn   = 4
)

// maxFrameLen bounds a single frame's payload to guard against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxFrameLen = 64 << 20

var handle = &codec.MsgpackHandle{RawToString: true, WriteExt: true}

// Frame is a decoded, not-yet-interpreted wire message: a kind byte plus
// its still-encoded payload.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode msgpack-encodes v as the payload for a frame of the given kind.
func Encode(kind Kind, v interface{}) (Frame, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return Frame{}, fmt.Errorf("wire: encode %s payload: %w", kind, err)
	}
	return Frame{Kind: kind, Payload: buf.Bytes()}, nil
}

// Decode msgpack-decodes a frame's payload into v.
func (f Frame) Decode(v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(f.Payload), handle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", f.Kind, err)
	}
	return nil
}

// WriteFrame writes a length-prefixed frame: a 4-byte big-endian length
// covering the kind byte and payload, then the kind byte, then the
// payload.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxFrameLen {
		return fmt.Errorf("wire: frame payload too large: %d bytes", len(f.Payload))
	}
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(f.Payload)+1))
	hdr[4] = byte(f.Kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, fmt.Errorf("wire: empty frame (missing kind byte)")
	}
	if n > maxFrameLen {
		return Frame{}, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: Kind(body[0]), Payload: body[1:]}, nil
}
