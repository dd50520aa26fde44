package packet

import (
    "bytes"
    "errors"
    "testing"
)

func TestModuleMessageRoundtrip(t *testing.T) {
    in := NewTrigger(2, 7, 0, []byte{123})
    in.Sender = 1
    in.Seq = 77
    frame, err := in.Encode(DefaultMTU)
    if err != nil { t.Fatalf("encode: %v", err) }
    if len(frame) != ModuleHeaderSize+1 { t.Fatalf("frame len = %d", len(frame)) }

    out, err := Decode(frame, DefaultMTU)
    if err != nil { t.Fatalf("decode: %v", err) }
    if out.Type != MsgModuleTrigger || out.Sender != 1 || out.Receiver != 2 || out.Seq != 77 {
        t.Fatalf("header mismatch: %#v", out.Header)
    }
    if out.ModuleID != 7 || out.Action != 0 || !bytes.Equal(out.Payload, []byte{123}) {
        t.Fatalf("module fields mismatch: %#v", out)
    }
    if !out.IsTrigger() || !out.For(7) || out.For(8) { t.Fatalf("predicates wrong") }
}

func TestDecodeCopiesPayload(t *testing.T) {
    m := NewResponse(3, 7, 0, []byte{123, 111})
    m.Sender = 4
    frame, _ := m.Encode(0)
    out, err := Decode(frame, 0)
    if err != nil { t.Fatalf("decode: %v", err) }
    frame[ModuleHeaderSize] = 0
    if out.Payload[0] != 123 { t.Fatalf("decoded payload aliases input buffer") }
}

func TestGenericMessageRoundtrip(t *testing.T) {
    m := Message{Header: Header{Type: MsgMeshData, Sender: 5, Receiver: Broadcast, Seq: 1}, Payload: []byte("hello")}
    frame, err := m.Encode(0)
    if err != nil { t.Fatalf("encode: %v", err) }
    if len(frame) != HeaderSize+5 { t.Fatalf("frame len = %d", len(frame)) }
    out, err := Decode(frame, 0)
    if err != nil { t.Fatalf("decode: %v", err) }
    if !bytes.Equal(out.Payload, m.Payload) || out.ModuleID != 0 { t.Fatalf("payload mismatch: %#v", out) }
}

func TestEncodePayloadTooLarge(t *testing.T) {
    mtu := 32
    ok := NewTrigger(2, 7, 1, make([]byte, MaxPayload(MsgModuleTrigger, mtu)))
    if _, err := ok.Encode(mtu); err != nil { t.Fatalf("frame at mtu rejected: %v", err) }

    big := NewTrigger(2, 7, 1, make([]byte, MaxPayload(MsgModuleTrigger, mtu)+1))
    frame, err := big.Encode(mtu)
    if !errors.Is(err, ErrPayloadTooLarge) { t.Fatalf("err = %v, want ErrPayloadTooLarge", err) }
    if frame != nil { t.Fatalf("no partial frame may be returned") }
}

func TestDecodeMalformed(t *testing.T) {
    short := []byte{byte(MsgModuleTrigger), 1, 0, 2, 0, 0, 0, 7, 0} // missing action byte
    if _, err := Decode(short, 0); !errors.Is(err, ErrMalformedPacket) {
        t.Fatalf("short module frame: err = %v", err)
    }
    fromBroadcast := []byte{byte(MsgMeshData), 0, 0, 2, 0, 0, 0}
    if _, err := Decode(fromBroadcast, 0); !errors.Is(err, ErrMalformedPacket) {
        t.Fatalf("broadcast sender: err = %v", err)
    }
    tooLong := make([]byte, 40)
    tooLong[0] = byte(MsgMeshData)
    tooLong[1] = 1
    if _, err := Decode(tooLong, 32); !errors.Is(err, ErrMalformedPacket) {
        t.Fatalf("oversized frame: err = %v", err)
    }
}
