package codec

import (
    "testing"

    "google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
    c := JSON()
    in := map[string]any{"a": 1, "b": "x"}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out map[string]any
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out["a"].(float64) != 1 || out["b"].(string) != "x" {
        t.Fatalf("roundtrip mismatch: %#v", out)
    }
}

func TestCBORCodecDeterministic(t *testing.T) {
    c := MustCBOR()
    a, err := c.Marshal(map[string]int{"z": 1, "a": 2, "m": 3})
    if err != nil { t.Fatalf("marshal: %v", err) }
    b, err := c.Marshal(map[string]int{"m": 3, "a": 2, "z": 1})
    if err != nil { t.Fatalf("marshal: %v", err) }
    if string(a) != string(b) { t.Fatalf("canonical encoding differs: %x vs %x", a, b) }
}

func TestCBORRejectsUnknownFields(t *testing.T) {
    type v1 struct {
        A int `cbor:"a"`
    }
    type v2 struct {
        A int `cbor:"a"`
        B int `cbor:"b"`
    }
    c := MustCBOR()
    b, err := c.Marshal(v2{A: 1, B: 2})
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out v1
    if err := c.Unmarshal(b, &out); err == nil { t.Fatalf("expected unknown field error") }
}

func TestProtoCodec(t *testing.T) {
    c := Proto()
    s, err := structpb.NewStruct(map[string]any{"k": "v"})
    if err != nil { t.Fatalf("struct: %v", err) }
    b, err := c.Marshal(s)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out structpb.Struct
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.Fields["k"].GetStringValue() != "v" { t.Fatalf("roundtrip mismatch") }
    if _, err := c.Marshal("not a message"); err == nil { t.Fatalf("expected type error") }
}

func TestRegistryDefaults(t *testing.T) {
    r := NewRegistry()
    for _, ct := range []string{ContentJSON, ContentCBOR, ContentProto} {
        if r.Get(ct) == nil { t.Fatalf("missing codec %s", ct) }
    }
}
