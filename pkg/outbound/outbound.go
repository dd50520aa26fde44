// Package outbound is the path modules send through. Calls never block:
// frames are encoded, checked and queued, and the node loop drains the
// queue into the router with Flush.
package outbound

import (
    "errors"
    "fmt"
    "math/rand"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/core/priocq"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/router"
)

var (
    // ErrNoRoute: the destination is neither local nor broadcast and no
    // link is up. Recoverable; retry once a link appears.
    ErrNoRoute = errors.New("outbound: no route")
    // ErrQueueFull is wrapped in *SendError when the queue has no room.
    ErrQueueFull = errors.New("outbound: queue full")
)

// SendError reports a submission that was valid but could not be queued.
type SendError struct {
    Dst    packet.NodeID
    Module packet.ModuleID
    Err    error
}

func (e *SendError) Error() string {
    return fmt.Sprintf("outbound: send to node %d module %d: %v", e.Dst, e.Module, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Router is the part of the router the outbound path needs.
type Router interface {
    Local() packet.NodeID
    MTU() int
    CanReach(dst packet.NodeID) bool
    Originate(raw []byte) router.Decision
}

type Options struct {
    QueueLen  int
    RateBytes int64 // bytes per second handed to the router, 0 = unlimited
    Burst     int64 // bucket size, defaults to one second of RateBytes
    Clock     func() time.Time
    Logger    *zap.Logger
}

// Stats is a snapshot of outbound counters.
type Stats struct {
    Queued, Flushed         uint64
    TooLarge, NoRoute, Full uint64
}

type Path struct {
    r   Router
    q   *priocq.MultiLevelQueue
    tb  *priocq.TokenBucket
    now func() time.Time
    log *zap.Logger

    mu  sync.Mutex
    seq uint16

    queued, flushed         atomic.Uint64
    tooLarge, noRoute, full atomic.Uint64
}

func New(r Router, opts Options) *Path {
    if opts.Clock == nil { opts.Clock = time.Now }
    if opts.Logger == nil { opts.Logger = zap.L() }
    p := &Path{
        r:   r,
        q:   priocq.New(opts.QueueLen),
        now: opts.Clock,
        log: opts.Logger.Named("outbound"),
        seq: uint16(rand.Uint32()),
    }
    if opts.RateBytes > 0 {
        p.tb = priocq.NewTokenBucketClock(opts.RateBytes, opts.Burst, opts.Clock)
    }
    return p
}

// Send emits a module trigger.
func (p *Path) Send(dst packet.NodeID, id packet.ModuleID, action uint8, payload []byte, reliable bool) error {
    return p.Submit(packet.NewTrigger(dst, id, action, payload), reliable)
}

// Reply emits an action-response.
func (p *Path) Reply(dst packet.NodeID, id packet.ModuleID, action uint8, payload []byte, reliable bool) error {
    return p.Submit(packet.NewResponse(dst, id, action, payload), reliable)
}

// Publish emits unsolicited module traffic.
func (p *Path) Publish(dst packet.NodeID, id packet.ModuleID, action uint8, payload []byte, reliable bool) error {
    return p.Submit(packet.NewGeneral(dst, id, action, payload), reliable)
}

// SendData emits generic mesh data.
func (p *Path) SendData(dst packet.NodeID, body []byte, reliable bool) error {
    return p.Submit(packet.Message{Header: packet.Header{Type: packet.MsgMeshData, Receiver: dst}, Payload: body}, reliable)
}

// Submit stamps m with the local sender id and the next sequence number,
// encodes it and queues it. Nothing is queued on error.
func (p *Path) Submit(m packet.Message, reliable bool) error {
    m.Sender = p.r.Local()
    m.Seq = p.nextSeq()
    raw, err := m.Encode(p.r.MTU())
    if err != nil {
        if errors.Is(err, packet.ErrPayloadTooLarge) { p.tooLarge.Add(1) }
        return err
    }
    if !p.r.CanReach(m.Receiver) {
        p.noRoute.Add(1)
        return fmt.Errorf("%w: node %d", ErrNoRoute, m.Receiver)
    }
    cls := priocq.ClassBestEffort
    if reliable { cls = priocq.ClassReliable }
    if !p.q.TryEnqueue(priocq.Item{Frame: raw, Dest: uint16(m.Receiver), Class: cls, Arrived: p.now()}) {
        p.full.Add(1)
        return &SendError{Dst: m.Receiver, Module: m.ModuleID, Err: ErrQueueFull}
    }
    p.queued.Add(1)
    return nil
}

func (p *Path) nextSeq() uint16 {
    p.mu.Lock(); defer p.mu.Unlock()
    p.seq++
    return p.seq
}

// Flush hands queued frames to the router until the queue is empty or the
// shaper runs dry. It returns how many frames were routed and, when frames
// remain because of shaping, how long until the next one may go.
func (p *Path) Flush() (n int, wait time.Duration) {
    for {
        it, ok := p.q.PopIf(func(it priocq.Item) bool {
            allowed, w := p.tb.Allow(int64(it.Size))
            if !allowed { wait = w }
            return allowed
        })
        if !ok { return n, wait }
        d := p.r.Originate(it.Frame)
        p.flushed.Add(1)
        n++
        if ce := p.log.Check(zap.DebugLevel, "frame originated"); ce != nil {
            ce.Write(zap.Uint16("dst", it.Dest), zap.Int("len", it.Size), zap.Stringer("decision", d), zap.Duration("queued", p.now().Sub(it.Arrived)))
        }
    }
}

// Pending returns the number of queued frames.
func (p *Path) Pending() int { return p.q.Len() }

func (p *Path) Stats() Stats {
    return Stats{
        Queued: p.queued.Load(), Flushed: p.flushed.Load(),
        TooLarge: p.tooLarge.Load(), NoRoute: p.noRoute.Load(), Full: p.full.Load(),
    }
}
