package packet

import "errors"

var (
    // ErrMalformedPacket is returned for structurally invalid input. Callers
    // drop the frame silently; it never triggers a reply or a forward.
    ErrMalformedPacket = errors.New("malformed packet")

    // ErrPayloadTooLarge is returned when an encoded frame would not fit the
    // link MTU. Nothing is ever truncated.
    ErrPayloadTooLarge = errors.New("payload too large")
)
