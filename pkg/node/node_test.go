package node

import (
    "bytes"
    "context"
    "errors"
    "strconv"
    "sync"
    "testing"
    "time"

    "go.uber.org/zap/zaptest"

    "github.com/JosefGst/fruitymesh/pkg/config"
    "github.com/JosefGst/fruitymesh/pkg/module"
    "github.com/JosefGst/fruitymesh/pkg/modules/beacon"
    "github.com/JosefGst/fruitymesh/pkg/modules/ping"
    "github.com/JosefGst/fruitymesh/pkg/modules/status"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/registry"
    "github.com/JosefGst/fruitymesh/pkg/storage"
    "github.com/JosefGst/fruitymesh/pkg/transport"
    "github.com/JosefGst/fruitymesh/pkg/transport/mem"
)

const recorderID packet.ModuleID = 200

// recorder records every packet its node consumes and sends triggers on
// "recorder <dst> <module> <byte>".
type recorder struct {
    module.Base
    out module.Sender
    got chan packet.Message
}

func recorderFactory(p **recorder) module.Factory {
    return module.Factory{ID: recorderID, Name: "recorder", Footprint: 16, New: func(d module.Deps) module.Module {
        *p = &recorder{Base: module.NewBase(recorderID, "recorder"), out: d.Out, got: make(chan packet.Message, 64)}
        return *p
    }}
}

func (p *recorder) OnMeshMessageReceived(_ transport.ConnID, msg *packet.Message) {
    select {
    case p.got <- *msg:
    default:
    }
}

func (p *recorder) OnTerminalCommand(tokens []string) module.CommandResult {
    if len(tokens) != 4 || tokens[0] != "recorder" { return module.Unhandled }
    dst, _ := strconv.Atoi(tokens[1])
    mod, _ := strconv.Atoi(tokens[2])
    b, _ := strconv.Atoi(tokens[3])
    if err := p.out.Send(packet.NodeID(dst), packet.ModuleID(mod), 0, []byte{byte(b)}, true); err != nil {
        return module.Failure
    }
    return module.Success
}

func testMesh() config.MeshConfig {
    m := config.DefaultMesh()
    m.TickIntervalMS = 10
    return m
}

func newNode(t *testing.T, id packet.NodeID, store storage.Store, factories ...module.Factory) *Node {
    t.Helper()
    n, err := New(Options{ID: id, Mesh: testMesh(), Modules: factories, Store: store, Logger: zaptest.NewLogger(t)})
    if err != nil { t.Fatalf("new node %d: %v", id, err) }
    ctx, cancel := context.WithCancel(context.Background())
    exited := make(chan struct{})
    go func() {
        defer close(exited)
        _ = n.Run(ctx)
    }()
    t.Cleanup(func() {
        cancel()
        <-exited
        n.Close()
    })
    return n
}

func link(t *testing.T, a, b *Node) {
    t.Helper()
    sa, sb := mem.Pipe(transport.PeerInfo{Name: "node-" + strconv.Itoa(int(b.ID()))}, transport.PeerInfo{Name: "node-" + strconv.Itoa(int(a.ID()))})
    if _, err := a.Manager().Attach(sa); err != nil { t.Fatalf("attach: %v", err) }
    if _, err := b.Manager().Attach(sb); err != nil { t.Fatalf("attach: %v", err) }
}

func command(t *testing.T, n *Node, tokens ...string) module.CommandResult {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    res, err := n.Command(ctx, tokens)
    if err != nil { t.Fatalf("command %v: %v", tokens, err) }
    return res
}

func expect(t *testing.T, ch <-chan packet.Message, what string, match func(packet.Message) bool) packet.Message {
    t.Helper()
    deadline := time.After(2 * time.Second)
    for {
        select {
        case m := <-ch:
            if match(m) { return m }
        case <-deadline:
            t.Fatalf("timed out waiting for %s", what)
        }
    }
}

func quiet(t *testing.T, ch <-chan packet.Message, d time.Duration, match func(packet.Message) bool) {
    t.Helper()
    deadline := time.After(d)
    for {
        select {
        case m := <-ch:
            if match(m) { t.Fatalf("unexpected packet %+v", m) }
        case <-deadline:
            return
        }
    }
}

func TestRequestResponseAcrossLink(t *testing.T) {
    var pa, pb *recorder
    a := newNode(t, 1, nil, recorderFactory(&pa), status.Factory(), ping.Factory(0))
    b := newNode(t, 2, nil, recorderFactory(&pb), status.Factory(), ping.Factory(0))
    link(t, a, b)

    if res := command(t, a, "recorder", "2", "7", "123"); res != module.Success { t.Fatalf("recorder send: %v", res) }

    // every module on B sees the trigger, only ping answers it
    expect(t, pb.got, "trigger at B", func(m packet.Message) bool {
        return m.IsTrigger() && m.Sender == 1 && m.ModuleID == ping.ID && bytes.Equal(m.Payload, []byte{123})
    })
    expect(t, pa.got, "response at A", func(m packet.Message) bool {
        return m.IsResponse() && m.Sender == 2 && m.Receiver == 1 && m.ModuleID == ping.ID && bytes.Equal(m.Payload, []byte{123, 111})
    })
    if st := b.Router().Stats(); st.Consumed == 0 || st.Malformed != 0 { t.Fatalf("router stats B %+v", st) }
}

func TestSendWithoutLinkHasNoRoute(t *testing.T) {
    var p *recorder
    n := newNode(t, 1, nil, recorderFactory(&p))
    if res := command(t, n, "recorder", "2", "7", "1"); res != module.Failure { t.Fatalf("want failure without links, got %v", res) }
}

func TestSelfPing(t *testing.T) {
    var p *recorder
    n := newNode(t, 1, nil, recorderFactory(&p), ping.Factory(0))
    if res := command(t, n, "ping", "1"); res != module.Success { t.Fatalf("ping: %v", res) }
    expect(t, p.got, "own trigger", func(m packet.Message) bool { return m.IsTrigger() && m.For(ping.ID) && m.Sender == 1 })
    expect(t, p.got, "own response", func(m packet.Message) bool {
        return m.IsResponse() && m.For(ping.ID) && m.Sender == 1 && len(m.Payload) == 2 && m.Payload[1] == ping.Marker
    })
    if st := n.Router().Stats(); st.Forwarded != 0 { t.Fatalf("self traffic forwarded: %+v", st) }
}

func TestMalformedFramesDropped(t *testing.T) {
    var p *recorder
    n := newNode(t, 1, nil, recorderFactory(&p))

    long := packet.NewTrigger(1, recorderID, 0, make([]byte, 250))
    long.Sender = 2
    longRaw, err := long.Encode(1024)
    if err != nil { t.Fatalf("encode: %v", err) }
    short := []byte{byte(packet.MsgModuleTrigger), 2, 0, 1, 0, 1, 0, 0x07}
    bad := []byte{99, 2, 0, 1, 0, 2, 0}
    fromBroadcast := packet.NewTrigger(1, recorderID, 0, nil)
    fbRaw, _ := fromBroadcast.Encode(0)

    for _, raw := range [][]byte{{1, 2}, short, bad, longRaw, fbRaw} { n.Inject(5, raw) }
    good := packet.NewTrigger(1, recorderID, 0, []byte{42})
    good.Sender, good.Seq = 2, 9
    goodRaw, _ := good.Encode(0)
    n.Inject(5, goodRaw)

    m := expect(t, p.got, "valid frame", func(packet.Message) bool { return true })
    if !bytes.Equal(m.Payload, []byte{42}) { t.Fatalf("first dispatched frame %+v", m) }
    if st := n.Router().Stats(); st.Malformed != 5 || st.Consumed != 1 { t.Fatalf("stats %+v", st) }
}

func TestDuplicateDeliveredOnce(t *testing.T) {
    var p *recorder
    n := newNode(t, 1, nil, recorderFactory(&p))
    m := packet.NewTrigger(1, recorderID, 0, []byte{1})
    m.Sender, m.Seq = 3, 77
    raw, _ := m.Encode(0)
    n.Inject(4, raw)
    n.Inject(5, raw)
    expect(t, p.got, "first copy", func(packet.Message) bool { return true })
    quiet(t, p.got, 100*time.Millisecond, func(packet.Message) bool { return true })
    if st := n.Router().Stats(); st.Duplicate != 1 { t.Fatalf("stats %+v", st) }
}

func TestTriangleBroadcastOncePerNode(t *testing.T) {
    var pa, pb, pc *recorder
    a := newNode(t, 1, nil, recorderFactory(&pa))
    b := newNode(t, 2, nil, recorderFactory(&pb))
    c := newNode(t, 3, nil, recorderFactory(&pc))
    link(t, a, b)
    link(t, b, c)
    link(t, c, a)

    if res := command(t, a, "recorder", "0", strconv.Itoa(int(recorderID)), "5"); res != module.Success { t.Fatalf("broadcast: %v", res) }
    isBcast := func(m packet.Message) bool { return m.Sender == 1 && m.Receiver == packet.Broadcast }
    for name, p := range map[string]*recorder{"a": pa, "b": pb, "c": pc} {
        expect(t, p.got, "broadcast at "+name, isBcast)
    }
    for _, p := range []*recorder{pa, pb, pc} {
        quiet(t, p.got, 150*time.Millisecond, isBcast)
    }
    for _, n := range []*Node{a, b, c} {
        if st := n.Router().Stats(); st.Consumed != 1 { t.Fatalf("node %d consumed %d", n.ID(), st.Consumed) }
    }
}

func waitCommand(t *testing.T, n *Node, want module.CommandResult, tokens ...string) {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for command(t, n, tokens...) != want {
        if time.Now().After(deadline) { t.Fatalf("%v never returned %v", tokens, want) }
        time.Sleep(5 * time.Millisecond)
    }
}

func TestConfigFallbackAndPersist(t *testing.T) {
    store := storage.NewMemory()
    if err := store.Save(beacon.ID, []byte{0xde, 0xad}); err != nil { t.Fatalf("seed: %v", err) }
    n := newNode(t, 1, store, beacon.Factory())

    // corrupt blob: the module falls back to defaults and becomes usable
    waitCommand(t, n, module.Success, "beacon")
    if res := command(t, n, "beacon", "interval", "2500"); res != module.Success { t.Fatalf("interval: %v", res) }

    deadline := time.Now().Add(2 * time.Second)
    for {
        blob, err := store.Load(beacon.ID)
        if err == nil {
            m := beacon.New(module.Deps{})
            if m.ApplyConfig(blob) == nil {
                if got := m.Settings(); got.IntervalMS != 2500 || !got.Enabled { t.Fatalf("saved %+v", got) }
                return
            }
        }
        if time.Now().After(deadline) { t.Fatalf("config never saved") }
        time.Sleep(5 * time.Millisecond)
    }
}

func TestMissingConfigUsesDefaults(t *testing.T) {
    n := newNode(t, 1, storage.NewMemory(), beacon.Factory())
    waitCommand(t, n, module.Success, "beacon")
}

func TestConstructionErrors(t *testing.T) {
    log := zaptest.NewLogger(t)
    _, err := New(Options{ID: 1, Modules: []module.Factory{ping.Factory(0), ping.Factory(0)}, Logger: log})
    if !errors.Is(err, registry.ErrDuplicateModule) { t.Fatalf("want duplicate error, got %v", err) }
    _, err = New(Options{ID: 1, Modules: []module.Factory{ping.Factory(0), status.Factory()}, ArenaBytes: 100, Logger: log})
    if !errors.Is(err, registry.ErrArenaExceeded) { t.Fatalf("want arena error, got %v", err) }
    if _, err := New(Options{ID: packet.Broadcast, Logger: log}); err == nil { t.Fatalf("broadcast id accepted") }
}

func TestCommandAfterClose(t *testing.T) {
    n, err := New(Options{ID: 1, Logger: zaptest.NewLogger(t)})
    if err != nil { t.Fatalf("new: %v", err) }
    n.Close()
    if _, err := n.Command(context.Background(), []string{"x"}); !errors.Is(err, ErrClosed) { t.Fatalf("want ErrClosed, got %v", err) }
}

// slowFirstSave delays its first Save so a later save can overtake it when
// saves are not serialized.
type slowFirstSave struct {
    *storage.Memory
    once sync.Once
}

func (s *slowFirstSave) Save(id packet.ModuleID, blob []byte) error {
    s.once.Do(func() { time.Sleep(200 * time.Millisecond) })
    return s.Memory.Save(id, blob)
}

func TestSavesKeepCommandOrder(t *testing.T) {
    store := &slowFirstSave{Memory: storage.NewMemory()}
    n := newNode(t, 1, store, beacon.Factory())
    waitCommand(t, n, module.Success, "beacon")
    if res := command(t, n, "beacon", "off"); res != module.Success { t.Fatalf("off: %v", res) }
    if res := command(t, n, "beacon", "on"); res != module.Success { t.Fatalf("on: %v", res) }
    n.Close() // waits for pending saves

    blob, err := store.Load(beacon.ID)
    if err != nil { t.Fatalf("load: %v", err) }
    m := beacon.New(module.Deps{})
    if err := m.ApplyConfig(blob); err != nil { t.Fatalf("apply: %v", err) }
    if !m.Settings().Enabled { t.Fatalf("stored config is stale: %+v", m.Settings()) }
}

const reloadID packet.ModuleID = 201

// reloadable reports the configuration it ends up with on every load.
type reloadable struct {
    module.Base
    cur    string
    loaded chan string
}

func reloadableFactory(p **reloadable) module.Factory {
    return module.Factory{ID: reloadID, Name: "settings", Footprint: 16, New: func(module.Deps) module.Module {
        *p = &reloadable{Base: module.NewBase(reloadID, "settings"), loaded: make(chan string, 8)}
        return *p
    }}
}

func (r *reloadable) DefaultConfig()                 { r.cur = "default" }
func (r *reloadable) ApplyConfig(blob []byte) error  { r.cur = string(blob); return nil }
func (r *reloadable) MarshalConfig() ([]byte, error) { return []byte(r.cur), nil }
func (r *reloadable) OnConfigurationLoaded()         { r.loaded <- r.cur }

func nextLoad(t *testing.T, r *reloadable) string {
    t.Helper()
    select {
    case v := <-r.loaded:
        return v
    case <-time.After(2 * time.Second):
        t.Fatalf("configuration never loaded")
        return ""
    }
}

func TestReloadCommand(t *testing.T) {
    var r *reloadable
    store := storage.NewMemory()
    n := newNode(t, 1, store, reloadableFactory(&r))
    if got := nextLoad(t, r); got != "default" { t.Fatalf("first load %q", got) }

    if err := store.Save(reloadID, []byte("v2")); err != nil { t.Fatalf("save: %v", err) }
    if res := command(t, n, "reload", "settings"); res != module.Success { t.Fatalf("reload: %v", res) }
    if got := nextLoad(t, r); got != "v2" { t.Fatalf("reloaded %q", got) }

    if res := command(t, n, "reload", "nosuch"); res != module.Failure { t.Fatalf("unknown module: %v", res) }
    if res := command(t, n, "reload"); res != module.Failure { t.Fatalf("missing name: %v", res) }
}
