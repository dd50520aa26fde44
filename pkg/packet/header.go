package packet

import (
    "encoding/binary"
    "fmt"
)

// Fixed header layout (7 bytes) shared by every routed frame.
// All integer fields are little-endian.
//
//  0        Type     u8
//  1  ..2   Sender   u16
//  3  ..4   Receiver u16
//  5  ..6   Seq      u16
//
// Module frames extend it (3 bytes):
//
//  7  ..8   ModuleID u16
//  9        Action   u8
//  10 ..    payload
const (
    HeaderSize       = 7
    ModuleHeaderSize = HeaderSize + 3
)

// Header is the part of a frame every forwarder may look at.
type Header struct {
    Type     MessageType
    Sender   NodeID
    Receiver NodeID
    Seq      uint16
}

// IsBroadcast reports whether the frame is addressed to every node.
func (h Header) IsBroadcast() bool { return h.Receiver == Broadcast }

// MarshalTo writes h into the first HeaderSize bytes of buf.
func (h Header) MarshalTo(buf []byte) {
    buf[0] = byte(h.Type)
    binary.LittleEndian.PutUint16(buf[1:3], uint16(h.Sender))
    binary.LittleEndian.PutUint16(buf[3:5], uint16(h.Receiver))
    binary.LittleEndian.PutUint16(buf[5:7], h.Seq)
}

// MarshalBinary encodes the header alone.
func (h Header) MarshalBinary() ([]byte, error) {
    buf := make([]byte, HeaderSize)
    h.MarshalTo(buf)
    return buf, nil
}

// UnmarshalBinary decodes a header from the start of buf.
func (h *Header) UnmarshalBinary(buf []byte) error {
    if len(buf) < HeaderSize {
        return fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformedPacket, len(buf), HeaderSize)
    }
    t := MessageType(buf[0])
    if !t.Valid() {
        return fmt.Errorf("%w: message type %d", ErrMalformedPacket, buf[0])
    }
    h.Type = t
    h.Sender = NodeID(binary.LittleEndian.Uint16(buf[1:3]))
    h.Receiver = NodeID(binary.LittleEndian.Uint16(buf[3:5]))
    h.Seq = binary.LittleEndian.Uint16(buf[5:7])
    return nil
}

// DecodeHeader parses only the shared header; the rest of buf is not inspected.
func DecodeHeader(buf []byte) (Header, error) {
    var h Header
    err := h.UnmarshalBinary(buf)
    return h, err
}
