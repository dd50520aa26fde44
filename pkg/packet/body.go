package packet

import (
    "fmt"

    "github.com/JosefGst/fruitymesh/pkg/packet/codec"
)

// Format is a one-byte marker placed in front of typed module payloads.
// Modules that exchange structured bodies use it; raw byte payloads don't.
type Format uint8

const (
    FormatUnknown Format = iota
    FormatJSON
    FormatCBOR
    FormatProto
)

func (f Format) String() string {
    switch f {
    case FormatJSON:
        return codec.ContentJSON
    case FormatCBOR:
        return codec.ContentCBOR
    case FormatProto:
        return codec.ContentProto
    default:
        return "application/octet-stream"
    }
}

// CodecFor returns the codec registered for f.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
    if r == nil { r = codec.NewRegistry() }
    switch f {
    case FormatJSON, FormatCBOR, FormatProto:
        if c := r.Get(f.String()); c != nil { return c, nil }
        return nil, fmt.Errorf("no codec registered for %s", f)
    default:
        return nil, fmt.Errorf("unknown format: %d", f)
    }
}

// EncodeBody serializes v with the codec for f and prefixes the format byte.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
    c, err := CodecFor(r, f)
    if err != nil { return nil, err }
    b, err := c.Marshal(v)
    if err != nil { return nil, err }
    out := make([]byte, 1+len(b))
    out[0] = byte(f)
    copy(out[1:], b)
    return out, nil
}

// DecodeBody decodes a payload produced by EncodeBody into v.
func DecodeBody(r *codec.Registry, payload []byte, v any) (Format, error) {
    if len(payload) == 0 { return FormatUnknown, fmt.Errorf("%w: empty body", ErrMalformedPacket) }
    f := Format(payload[0])
    c, err := CodecFor(r, f)
    if err != nil { return f, err }
    if err := c.Unmarshal(payload[1:], v); err != nil { return f, err }
    return f, nil
}
