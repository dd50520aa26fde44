package packet

import (
    "encoding/binary"
    "fmt"
)

// Message is a fully decoded frame. For module message types ModuleID and
// Action are set and Payload follows the module extension; for other types
// Payload is everything after the shared header.
type Message struct {
    Header
    ModuleID ModuleID
    Action   uint8
    Payload  []byte
}

// NewTrigger builds a module request addressed to dst.
func NewTrigger(dst NodeID, mod ModuleID, action uint8, payload []byte) Message {
    return Message{Header: Header{Type: MsgModuleTrigger, Receiver: dst}, ModuleID: mod, Action: action, Payload: payload}
}

// NewResponse builds a module reply addressed to dst.
func NewResponse(dst NodeID, mod ModuleID, action uint8, payload []byte) Message {
    return Message{Header: Header{Type: MsgModuleResponse, Receiver: dst}, ModuleID: mod, Action: action, Payload: payload}
}

// NewGeneral builds unsolicited module traffic addressed to dst.
func NewGeneral(dst NodeID, mod ModuleID, action uint8, payload []byte) Message {
    return Message{Header: Header{Type: MsgModuleGeneral, Receiver: dst}, ModuleID: mod, Action: action, Payload: payload}
}

func (m *Message) IsModule() bool   { return m.Type.IsModule() }
func (m *Message) IsTrigger() bool  { return m.Type == MsgModuleTrigger }
func (m *Message) IsResponse() bool { return m.Type == MsgModuleResponse }

// For reports whether m is module traffic owned by mod.
func (m *Message) For(mod ModuleID) bool { return m.IsModule() && m.ModuleID == mod }

// Size returns the encoded frame length.
func (m *Message) Size() int {
    if m.IsModule() {
        return ModuleHeaderSize + len(m.Payload)
    }
    return HeaderSize + len(m.Payload)
}

// Encode returns the wire frame. It fails with ErrPayloadTooLarge when the
// frame would exceed mtu (mtu <= 0 means DefaultMTU).
func (m *Message) Encode(mtu int) ([]byte, error) {
    if mtu <= 0 { mtu = DefaultMTU }
    if !m.Type.Valid() {
        return nil, fmt.Errorf("%w: message type %d", ErrMalformedPacket, m.Type)
    }
    n := m.Size()
    if n > mtu {
        return nil, fmt.Errorf("%w: frame %d bytes, mtu %d", ErrPayloadTooLarge, n, mtu)
    }
    out := make([]byte, n)
    m.Header.MarshalTo(out)
    off := HeaderSize
    if m.IsModule() {
        binary.LittleEndian.PutUint16(out[7:9], uint16(m.ModuleID))
        out[9] = m.Action
        off = ModuleHeaderSize
    }
    copy(out[off:], m.Payload)
    return out, nil
}

// Decode validates a complete frame and copies its payload; buf is not
// retained. Frames above mtu (mtu <= 0 means DefaultMTU), frames from the
// broadcast id and module frames shorter than ModuleHeaderSize are malformed.
func Decode(buf []byte, mtu int) (*Message, error) {
    if mtu <= 0 { mtu = DefaultMTU }
    if len(buf) > mtu {
        return nil, fmt.Errorf("%w: frame %d bytes, mtu %d", ErrMalformedPacket, len(buf), mtu)
    }
    m := &Message{}
    if err := m.Header.UnmarshalBinary(buf); err != nil {
        return nil, err
    }
    if m.Sender == Broadcast {
        return nil, fmt.Errorf("%w: sender is the broadcast id", ErrMalformedPacket)
    }
    off := HeaderSize
    if m.IsModule() {
        if len(buf) < ModuleHeaderSize {
            return nil, fmt.Errorf("%w: module frame %d bytes, needs %d", ErrMalformedPacket, len(buf), ModuleHeaderSize)
        }
        m.ModuleID = ModuleID(binary.LittleEndian.Uint16(buf[7:9]))
        m.Action = buf[9]
        off = ModuleHeaderSize
    }
    if len(buf) > off {
        m.Payload = append([]byte(nil), buf[off:]...)
    }
    return m, nil
}

// MaxPayload returns the largest payload a frame of type t can carry.
func MaxPayload(t MessageType, mtu int) int {
    if mtu <= 0 { mtu = DefaultMTU }
    if t.IsModule() { return mtu - ModuleHeaderSize }
    return mtu - HeaderSize
}
