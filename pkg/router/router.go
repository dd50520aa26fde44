// Package router decides, for every frame, whether it is consumed locally,
// flooded on to the other links, or both.
//
// Forwarded frames are passed on byte for byte: only the 7-byte header is
// read, so nodes with different module sets relay each other's traffic.
// Flooding terminates on cyclic topologies because every routed frame is
// recorded in a (sender, sequence) seen-set and handled at most once.
package router

import (
    "sync/atomic"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/dedup"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

// Links is the transport side the router floods through. The call is
// fire-and-forget; the router hands over a frame it no longer touches.
type Links interface {
    BroadcastExcept(except transport.ConnID, frame []byte) int
    Len() int
}

// Dispatcher receives locally consumed packets.
type Dispatcher interface {
    Dispatch(from transport.ConnID, msg *packet.Message)
}

// Decision is what the router did with one frame.
type Decision uint8

const (
    DroppedMalformed Decision = iota
    DroppedDuplicate
    Consumed
    Forwarded
    ConsumedAndForwarded
)

func (d Decision) String() string {
    switch d {
    case DroppedMalformed:
        return "malformed"
    case DroppedDuplicate:
        return "duplicate"
    case Consumed:
        return "consumed"
    case Forwarded:
        return "forwarded"
    case ConsumedAndForwarded:
        return "consumed+forwarded"
    default:
        return "unknown"
    }
}

// Stats is a snapshot of router counters.
type Stats struct {
    Consumed  uint64
    Forwarded uint64
    Malformed uint64
    Duplicate uint64
}

type Options struct {
    MTU    int
    Seen   *dedup.Set // nil: a default set is created
    Logger *zap.Logger
}

type Router struct {
    local packet.NodeID
    mtu   int
    links Links
    disp  Dispatcher
    seen  *dedup.Set
    log   *zap.Logger

    consumed, forwarded, malformed, duplicate atomic.Uint64
}

func New(local packet.NodeID, links Links, disp Dispatcher, opts Options) *Router {
    if opts.MTU <= 0 { opts.MTU = packet.DefaultMTU }
    if opts.Seen == nil { opts.Seen = dedup.New(dedup.Options{}) }
    if opts.Logger == nil { opts.Logger = zap.L() }
    return &Router{local: local, mtu: opts.MTU, links: links, disp: disp, seen: opts.Seen, log: opts.Logger.Named("router")}
}

func (r *Router) Local() packet.NodeID { return r.local }
func (r *Router) MTU() int             { return r.mtu }

// Deliver routes a frame received on connection from. raw is not retained.
func (r *Router) Deliver(from transport.ConnID, raw []byte) Decision {
    return r.route(from, raw)
}

// Originate routes a frame built by this node as if it arrived on no link.
func (r *Router) Originate(raw []byte) Decision {
    return r.route(transport.ConnLocal, raw)
}

// CanReach reports whether a frame for dst can go anywhere: local and
// broadcast traffic always can, anything else needs at least one link.
func (r *Router) CanReach(dst packet.NodeID) bool {
    return dst == r.local || dst == packet.Broadcast || r.links.Len() > 0
}

func (r *Router) route(from transport.ConnID, raw []byte) Decision {
    if len(raw) > r.mtu {
        return r.dropMalformed(from, len(raw), "frame exceeds mtu", nil)
    }
    h, err := packet.DecodeHeader(raw)
    if err != nil {
        return r.dropMalformed(from, len(raw), "bad header", err)
    }
    if h.Sender == packet.Broadcast {
        return r.dropMalformed(from, len(raw), "broadcast sender", nil)
    }

    local := h.Receiver == r.local
    bcast := h.Receiver == packet.Broadcast

    var msg *packet.Message
    if local || bcast {
        msg, err = packet.Decode(raw, r.mtu)
        if err != nil {
            return r.dropMalformed(from, len(raw), "bad frame", err)
        }
    }

    if !r.seen.Observe(h.Sender, h.Seq) {
        r.duplicate.Add(1)
        if ce := r.log.Check(zap.DebugLevel, "duplicate dropped"); ce != nil {
            ce.Write(zap.Uint32("conn", uint32(from)), zap.Uint16("sender", uint16(h.Sender)), zap.Uint16("seq", h.Seq))
        }
        return DroppedDuplicate
    }

    switch {
    case local:
        r.consume(from, msg)
        return Consumed
    case bcast:
        r.consume(from, msg)
        r.flood(from, raw, h)
        return ConsumedAndForwarded
    default:
        r.flood(from, raw, h)
        return Forwarded
    }
}

func (r *Router) consume(from transport.ConnID, msg *packet.Message) {
    r.consumed.Add(1)
    r.disp.Dispatch(from, msg)
}

func (r *Router) flood(from transport.ConnID, raw []byte, h packet.Header) {
    frame := append([]byte(nil), raw...)
    n := r.links.BroadcastExcept(from, frame)
    r.forwarded.Add(1)
    if ce := r.log.Check(zap.DebugLevel, "forwarded"); ce != nil {
        ce.Write(zap.Uint32("from", uint32(from)), zap.Uint16("sender", uint16(h.Sender)), zap.Uint16("receiver", uint16(h.Receiver)), zap.Int("links", n))
    }
}

func (r *Router) dropMalformed(from transport.ConnID, n int, why string, err error) Decision {
    r.malformed.Add(1)
    if ce := r.log.Check(zap.DebugLevel, "malformed frame dropped"); ce != nil {
        ce.Write(zap.Uint32("conn", uint32(from)), zap.Int("len", n), zap.String("reason", why), zap.Error(err))
    }
    return DroppedMalformed
}

func (r *Router) Stats() Stats {
    return Stats{
        Consumed:  r.consumed.Load(),
        Forwarded: r.forwarded.Load(),
        Malformed: r.malformed.Load(),
        Duplicate: r.duplicate.Load(),
    }
}
