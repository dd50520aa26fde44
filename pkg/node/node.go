// Package node wires the registry, router, outbound path and transport
// manager of one mesh node together and runs them on a single goroutine.
//
// Transport readers, storage completions and terminal commands only post
// into the loop's channels; every module hook, routing decision and
// registry call happens inside Run.
package node

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/config"
    "github.com/JosefGst/fruitymesh/pkg/dedup"
    "github.com/JosefGst/fruitymesh/pkg/memkv"
    "github.com/JosefGst/fruitymesh/pkg/module"
    "github.com/JosefGst/fruitymesh/pkg/outbound"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/peers"
    "github.com/JosefGst/fruitymesh/pkg/registry"
    "github.com/JosefGst/fruitymesh/pkg/router"
    "github.com/JosefGst/fruitymesh/pkg/storage"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

// ErrClosed is returned by Command once the node has stopped.
var ErrClosed = errors.New("node: closed")

const inboxLen = 256

type Options struct {
    ID         packet.NodeID
    Mesh       config.MeshConfig
    Modules    []module.Factory
    ArenaBytes int           // 0 = no limit
    Store      storage.Store // nil: in-memory
    Logger     *zap.Logger
    Clock      func() time.Time
}

// FromConfig fills Options from the loaded configuration; Modules and Store
// are left to the caller.
func FromConfig(cfg *config.Config) Options {
    return Options{
        ID:         packet.NodeID(cfg.NodeID),
        Mesh:       cfg.Mesh,
        ArenaBytes: cfg.Modules.ArenaBytes,
    }
}

type inFrame struct {
    from transport.ConnID
    raw  []byte
}

type loadResult struct {
    id   packet.ModuleID
    blob []byte
    err  error
}

type cmdReq struct {
    tokens []string
    reply  chan module.CommandResult
}

type Node struct {
    id      packet.NodeID
    log     *zap.Logger
    now     func() time.Time
    started time.Time
    tick    time.Duration

    kv    *memkv.Store
    seen  *dedup.Set
    stats *peers.Store
    mgr   *transport.Manager
    rtr   *router.Router
    out   *outbound.Path
    reg   *registry.Registry
    store storage.Store

    frames chan inFrame
    events chan transport.LinkEvent
    loads  chan loadResult
    cmds   chan cmdReq

    // pending saves, latest blob per module, written by one worker in
    // first-queued order
    saveMu    sync.Mutex
    saves     map[packet.ModuleID][]byte
    saveOrder []packet.ModuleID
    saveKick  chan struct{}

    done      chan struct{}
    closeOnce sync.Once
    bg        sync.WaitGroup
}

// New builds a node and constructs its modules. Nothing runs until Run.
func New(opts Options) (*Node, error) {
    if opts.ID == packet.Broadcast { return nil, fmt.Errorf("node: id %d is reserved for broadcast", opts.ID) }
    if opts.Logger == nil { opts.Logger = zap.L() }
    if opts.Clock == nil { opts.Clock = time.Now }
    if opts.Store == nil { opts.Store = storage.NewMemory() }
    m := opts.Mesh
    def := config.DefaultMesh()
    if m.MTU <= 0 { m.MTU = def.MTU }
    if m.TickIntervalMS <= 0 { m.TickIntervalMS = def.TickIntervalMS }

    log := opts.Logger.With(zap.Uint16("node", uint16(opts.ID)))
    n := &Node{
        id:       opts.ID,
        log:      log,
        now:      opts.Clock,
        started:  opts.Clock(),
        tick:     m.TickInterval(),
        store:    opts.Store,
        frames:   make(chan inFrame, inboxLen),
        events:   make(chan transport.LinkEvent, inboxLen),
        loads:    make(chan loadResult, inboxLen),
        cmds:     make(chan cmdReq),
        saves:    make(map[packet.ModuleID][]byte),
        saveKick: make(chan struct{}, 1),
        done:     make(chan struct{}),
    }
    n.kv = memkv.New(memkv.Options{Clock: opts.Clock})
    n.stats = peers.NewStore(n.kv, m.StatsTTL())
    n.seen = dedup.New(dedup.Options{TTL: m.DedupTTL(), Capacity: m.DedupCapacity, Clock: opts.Clock})
    n.mgr = transport.NewManager(n, transport.ManagerOptions{QueueLen: m.LinkQueue, Logger: log})
    n.rtr = router.New(n.id, countingLinks{n.mgr, n.stats}, dispatchFunc(n.dispatch), router.Options{MTU: m.MTU, Seen: n.seen, Logger: log})
    n.out = outbound.New(n.rtr, outbound.Options{QueueLen: m.OutboundQueue, RateBytes: int64(m.OutboundRateBytes), Clock: opts.Clock, Logger: log})

    reg, err := registry.New(opts.Modules, func(f module.Factory) module.Deps {
        return module.Deps{
            Node:  n.id,
            MTU:   m.MTU,
            Log:   log.Named(f.Name),
            Out:   n.out,
            Store: n,
            Info:  n,
            Now:   opts.Clock,
        }
    }, opts.ArenaBytes)
    if err != nil {
        n.shutdown()
        return nil, err
    }
    n.reg = reg
    n.bg.Add(1)
    go n.saveLoop()
    return n, nil
}

func (n *Node) ID() packet.NodeID                 { return n.id }
func (n *Node) Manager() *transport.Manager       { return n.mgr }
func (n *Node) Router() *router.Router            { return n.rtr }
func (n *Node) Outbound() *outbound.Path          { return n.out }
func (n *Node) Registry() *registry.Registry      { return n.reg }
func (n *Node) Stats() *peers.Store               { return n.stats }

// Run starts the configuration loads and processes events until ctx is
// done or Close is called.
func (n *Node) Run(ctx context.Context) error {
    n.reg.Start(n.load)
    t := time.NewTicker(n.tick)
    defer t.Stop()
    last := n.now()
    var wake <-chan time.Time

    n.log.Info("node loop started", zap.Int("modules", n.reg.Len()), zap.Duration("tick", n.tick))
    n.flush(&wake)
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-n.done:
            return ErrClosed
        case f := <-n.frames:
            n.inbound(f)
        case ev := <-n.events:
            n.stats.Apply(ev)
            n.reg.ConnectionEvent(ev)
        case r := <-n.loads:
            n.reg.ConfigLoaded(r.id, r.blob, r.err)
        case c := <-n.cmds:
            c.reply <- n.command(c.tokens)
        case <-t.C:
            now := n.now()
            n.reg.Tick(now.Sub(last))
            last = now
        case <-wake:
            wake = nil
        }
        n.flush(&wake)
    }
}

func (n *Node) inbound(f inFrame) {
    if h, err := packet.DecodeHeader(f.raw); err == nil {
        n.stats.RecordInbound(f.from, h.Sender, len(f.raw))
    }
    n.rtr.Deliver(f.from, f.raw)
}

func (n *Node) dispatch(from transport.ConnID, msg *packet.Message) {
    n.reg.Dispatch(from, msg)
}

// flush drains the outbound queue and arms wake when the shaper held
// frames back.
func (n *Node) flush(wake *<-chan time.Time) {
    _, wait := n.out.Flush()
    if wait > 0 {
        *wake = time.After(wait)
    }
}

func (n *Node) load(id packet.ModuleID) {
    n.bg.Add(1)
    go func() {
        defer n.bg.Done()
        blob, err := n.store.Load(id)
        select {
        case n.loads <- loadResult{id: id, blob: blob, err: err}:
        case <-n.done:
        }
    }()
}

// Persist implements module.Persister. Saves are written off the loop by a
// single worker; a newer blob for a module replaces one not yet written.
func (n *Node) Persist(id packet.ModuleID, blob []byte) {
    b := append([]byte(nil), blob...)
    n.saveMu.Lock()
    if _, queued := n.saves[id]; !queued { n.saveOrder = append(n.saveOrder, id) }
    n.saves[id] = b
    n.saveMu.Unlock()
    select {
    case n.saveKick <- struct{}{}:
    default:
    }
}

func (n *Node) saveLoop() {
    defer n.bg.Done()
    for {
        select {
        case <-n.saveKick:
            n.drainSaves()
        case <-n.done:
            n.drainSaves()
            return
        }
    }
}

func (n *Node) drainSaves() {
    for {
        n.saveMu.Lock()
        if len(n.saveOrder) == 0 {
            n.saveMu.Unlock()
            return
        }
        id := n.saveOrder[0]
        n.saveOrder = n.saveOrder[1:]
        b := n.saves[id]
        delete(n.saves, id)
        n.saveMu.Unlock()

        if err := n.store.Save(id, b); err != nil {
            n.log.Warn("config save failed", zap.Uint16("module", uint16(id)), zap.Error(err))
            continue
        }
        n.log.Debug("config saved", zap.Uint16("module", uint16(id)), zap.Int("len", len(b)))
    }
}

// command runs node-level commands and hands everything else to the
// modules. "reload <module>" reloads a module's stored configuration.
func (n *Node) command(tokens []string) module.CommandResult {
    if len(tokens) == 0 || tokens[0] != "reload" { return n.reg.DispatchCommand(tokens) }
    if len(tokens) != 2 { return module.Failure }
    m, ok := n.reg.LookupName(tokens[1])
    if !ok { return module.Failure }
    if err := n.reg.Reload(m.ID()); err != nil {
        n.log.Warn("reload failed", zap.String("module", tokens[1]), zap.Error(err))
        return module.Failure
    }
    n.log.Info("config reload requested", zap.String("module", tokens[1]))
    return module.Success
}

// Info implements module.Inspector.
func (n *Node) Info() module.NodeInfo {
    st := n.rtr.Stats()
    mods := n.reg.Modules()
    names := make([]string, 0, len(mods))
    for _, m := range mods { names = append(names, m.Name()) }
    nodes := n.stats.Nodes()
    known := make([]packet.NodeID, 0, len(nodes))
    for _, ns := range nodes { known = append(known, ns.Node) }
    return module.NodeInfo{
        Node:      n.id,
        Uptime:    n.now().Sub(n.started),
        Modules:   names,
        Links:     n.mgr.Len(),
        Consumed:  st.Consumed,
        Forwarded: st.Forwarded,
        Malformed: st.Malformed,
        Duplicate: st.Duplicate,
        Known:     known,
    }
}

// Command hands tokens to the modules on the loop and waits for the result.
func (n *Node) Command(ctx context.Context, tokens []string) (module.CommandResult, error) {
    req := cmdReq{tokens: tokens, reply: make(chan module.CommandResult, 1)}
    select {
    case n.cmds <- req:
    case <-ctx.Done():
        return module.Unhandled, ctx.Err()
    case <-n.done:
        return module.Unhandled, ErrClosed
    }
    select {
    case res := <-req.reply:
        return res, nil
    case <-ctx.Done():
        return module.Unhandled, ctx.Err()
    case <-n.done:
        return module.Unhandled, ErrClosed
    }
}

// Inject posts a frame as if it had been read from connection from.
func (n *Node) Inject(from transport.ConnID, raw []byte) {
    n.HandleFrame(from, append([]byte(nil), raw...))
}

// HandleFrame implements transport.Sink.
func (n *Node) HandleFrame(from transport.ConnID, frame []byte) {
    select {
    case n.frames <- inFrame{from: from, raw: frame}:
    case <-n.done:
    }
}

// HandleLinkEvent implements transport.Sink.
func (n *Node) HandleLinkEvent(ev transport.LinkEvent) {
    select {
    case n.events <- ev:
    case <-n.done:
    }
}

// Close stops the loop, closes every link and waits for pending storage
// calls.
func (n *Node) Close() {
    n.closeOnce.Do(n.shutdown)
}

func (n *Node) shutdown() {
    close(n.done)
    n.mgr.Close()
    n.bg.Wait()
    n.seen.Close()
    n.kv.Close()
}

// countingLinks records outbound traffic per connection on its way to the
// manager.
type countingLinks struct {
    mgr   *transport.Manager
    stats *peers.Store
}

func (c countingLinks) BroadcastExcept(except transport.ConnID, frame []byte) int {
    n := 0
    for _, id := range c.mgr.Conns() {
        if id == except { continue }
        if c.mgr.Forward(id, frame) {
            c.stats.RecordOutbound(id, len(frame))
            n++
        }
    }
    return n
}

func (c countingLinks) Len() int { return c.mgr.Len() }

type dispatchFunc func(transport.ConnID, *packet.Message)

func (f dispatchFunc) Dispatch(from transport.ConnID, msg *packet.Message) { f(from, msg) }
