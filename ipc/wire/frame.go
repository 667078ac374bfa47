// Package wire implements the on-the-wire encoding of the frames that cross
// a Transport: the 4-byte length + 4-byte type + 8-byte route_id + 4-byte
// handle count header described by spec section 6, plus the route-0 control
// frame.
//
// All integers are little-endian, matching the layout the rest of the
// pipefabric stack has always used on the wire (see the Open Question in
// the design notes: a future revision should add a version field, but
// today's single-opcode layout must be matched bit-for-bit).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType distinguishes application payloads from the routing control
// plane.
type FrameType uint32

const (
	// TypeData carries an application payload for a user pipe.
	TypeData FrameType = 0
	// TypeInternal carries a RoutedChannel control message on route 0.
	TypeInternal FrameType = 1
)

// ControlOpcode is the single byte tag of a route-0 control payload.
type ControlOpcode byte

// OpRouteClosed is the only control opcode this revision understands: the
// peer has unbound pipe_id and will not write to it again.
const OpRouteClosed ControlOpcode = 0

const (
	// HeaderLen is the size of the fixed frame header: 4 (total length) +
	// 4 (type) + 8 (route_id) + 4 (handle count).
	HeaderLen = 4 + 4 + 8 + 4

	// ControlPayloadLen is the fixed size of a ROUTE_CLOSED payload:
	// 1-byte opcode + 8-byte pipe id.
	ControlPayloadLen = 1 + 8

	// MinFrameLen is the smallest frame the core will accept: header only,
	// zero-length payload, zero handles.
	MinFrameLen = HeaderLen
)

// ErrFrameTooShort is returned by Decode when data is shorter than the
// minimum frame size for its declared type. Per spec section 6/8(S6), such
// frames MUST be discarded, never delivered to a dispatcher or the control
// route.
var ErrFrameTooShort = errors.New("wire: frame shorter than minimum for its type")

// ErrMalformedControl is returned when a route-0 payload carries an
// opcode other than OpRouteClosed, or is longer than ControlPayloadLen.
// Such frames are a fatal protocol violation for the RoutedChannel that
// received them.
var ErrMalformedControl = errors.New("wire: malformed control frame")

// ErrControlFrameTooShort is returned when a route-0 payload is shorter
// than ControlPayloadLen. Per spec section 6/8(S6), this case is
// distinguished from other control-frame malformations: the frame MUST be
// silently discarded, never delivered to a dispatcher or the control
// route, and MUST NOT be treated as fatal to the owning channel.
var ErrControlFrameTooShort = errors.New("wire: control frame shorter than minimum")

// Frame is the decoded form of one Transport message: bytes, a route tag,
// and the count of platform handles that travel alongside it out-of-band.
// Frame itself never carries handle values -- those are threaded through
// the Transport's side channel and reattached by the caller.
type Frame struct {
	Type       FrameType
	RouteID    uint64
	NumHandles uint32
	Payload    []byte
}

// Encode serializes f's header and payload into a newly allocated buffer.
// Handles are not part of the returned bytes; the Transport attaches them
// separately.
func Encode(f Frame) []byte {
	total := HeaderLen + len(f.Payload)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.Type))
	binary.LittleEndian.PutUint64(buf[8:16], f.RouteID)
	binary.LittleEndian.PutUint32(buf[16:20], f.NumHandles)
	copy(buf[HeaderLen:], f.Payload)
	return buf
}

// Decode parses a frame previously produced by Encode. It returns
// ErrFrameTooShort for anything smaller than HeaderLen, which callers must
// treat as a silent discard rather than a fatal error. An undersized
// *control* payload (a frame that decodes successfully but whose route-0
// payload is short) is likewise a discard, not a protocol violation; see
// DecodeRouteClosed.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderLen {
		return Frame{}, ErrFrameTooShort
	}
	total := binary.LittleEndian.Uint32(data[0:4])
	if int(total) != len(data) {
		return Frame{}, fmt.Errorf("%w: declared length %d != received %d", ErrFrameTooShort, total, len(data))
	}
	f := Frame{
		Type:       FrameType(binary.LittleEndian.Uint32(data[4:8])),
		RouteID:    binary.LittleEndian.Uint64(data[8:16]),
		NumHandles: binary.LittleEndian.Uint32(data[16:20]),
		Payload:    data[HeaderLen:],
	}
	return f, nil
}

// EncodeRouteClosed builds the route-0 payload announcing that pipeID has
// been unbound locally: opcode byte + little-endian pipe id.
func EncodeRouteClosed(pipeID uint64) []byte {
	buf := make([]byte, ControlPayloadLen)
	buf[0] = byte(OpRouteClosed)
	binary.LittleEndian.PutUint64(buf[1:], pipeID)
	return buf
}

// DecodeRouteClosed parses a route-0 payload. A payload shorter than
// ControlPayloadLen reports ErrControlFrameTooShort, which callers must
// treat as a silent discard (section 6/8-S6), not a fatal protocol
// violation. A payload longer than ControlPayloadLen, or one carrying an
// opcode other than OpRouteClosed, reports ErrMalformedControl and is a
// fatal protocol violation for the owning channel.
func DecodeRouteClosed(payload []byte) (pipeID uint64, err error) {
	if len(payload) < ControlPayloadLen {
		return 0, fmt.Errorf("%w: control payload length %d, want %d", ErrControlFrameTooShort, len(payload), ControlPayloadLen)
	}
	if len(payload) != ControlPayloadLen {
		return 0, fmt.Errorf("%w: control payload length %d", ErrMalformedControl, len(payload))
	}
	if ControlOpcode(payload[0]) != OpRouteClosed {
		return 0, fmt.Errorf("%w: unknown opcode %d", ErrMalformedControl, payload[0])
	}
	return binary.LittleEndian.Uint64(payload[1:]), nil
}
