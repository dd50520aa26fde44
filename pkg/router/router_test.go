package router

import (
    "bytes"
    "testing"

    "go.uber.org/zap/zaptest"

    "github.com/JosefGst/fruitymesh/pkg/dedup"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

type bcastCall struct {
    except transport.ConnID
    frame  []byte
}

type fakeLinks struct {
    n      int
    bcasts []bcastCall
}

func (f *fakeLinks) BroadcastExcept(except transport.ConnID, frame []byte) int {
    f.bcasts = append(f.bcasts, bcastCall{except, frame})
    return f.n - 1
}
func (f *fakeLinks) Len() int { return f.n }

type delivery struct {
    from transport.ConnID
    msg  *packet.Message
}

type fakeDispatcher struct{ got []delivery }

func (f *fakeDispatcher) Dispatch(from transport.ConnID, msg *packet.Message) {
    f.got = append(f.got, delivery{from, msg})
}

const local packet.NodeID = 10

func newRouter(t *testing.T, links int) (*Router, *fakeLinks, *fakeDispatcher) {
    fl := &fakeLinks{n: links}
    fd := &fakeDispatcher{}
    seen := dedup.New(dedup.Options{SweepInterval: -1})
    t.Cleanup(seen.Close)
    return New(local, fl, fd, Options{MTU: 64, Seen: seen, Logger: zaptest.NewLogger(t)}), fl, fd
}

func frame(t *testing.T, typ packet.MessageType, sender, receiver packet.NodeID, seq uint16, mod packet.ModuleID, payload ...byte) []byte {
    t.Helper()
    m := packet.Message{Header: packet.Header{Type: typ, Sender: sender, Receiver: receiver, Seq: seq}, ModuleID: mod, Payload: payload}
    b, err := m.Encode(64)
    if err != nil { t.Fatalf("encode: %v", err) }
    return b
}

func TestLocalReceiverConsumedNeverForwarded(t *testing.T) {
    r, fl, fd := newRouter(t, 3)
    raw := frame(t, packet.MsgModuleTrigger, 20, local, 1, 7, 123)
    if d := r.Deliver(2, raw); d != Consumed { t.Fatalf("decision %v", d) }
    if len(fl.bcasts) != 0 { t.Fatalf("local frame forwarded") }
    if len(fd.got) != 1 || fd.got[0].from != 2 { t.Fatalf("dispatch %+v", fd.got) }
    m := fd.got[0].msg
    if m.Sender != 20 || m.Receiver != local || m.ModuleID != 7 || !bytes.Equal(m.Payload, []byte{123}) { t.Fatalf("msg %+v", m) }
}

func TestBroadcastConsumedOnceAndFloodedExceptOrigin(t *testing.T) {
    r, fl, fd := newRouter(t, 3)
    raw := frame(t, packet.MsgModuleGeneral, 20, packet.Broadcast, 5, 3, 1, 2)
    if d := r.Deliver(2, raw); d != ConsumedAndForwarded { t.Fatalf("decision %v", d) }
    if len(fd.got) != 1 { t.Fatalf("dispatched %d times", len(fd.got)) }
    if len(fl.bcasts) != 1 || fl.bcasts[0].except != 2 || !bytes.Equal(fl.bcasts[0].frame, raw) { t.Fatalf("flood %+v", fl.bcasts) }

    // the same broadcast arriving on another link is suppressed
    if d := r.Deliver(3, raw); d != DroppedDuplicate { t.Fatalf("repeat decision %v", d) }
    if len(fd.got) != 1 || len(fl.bcasts) != 1 { t.Fatalf("repeat was handled again") }
    if s := r.Stats(); s.Duplicate != 1 || s.Consumed != 1 || s.Forwarded != 1 { t.Fatalf("stats %+v", s) }
}

func TestOtherReceiverForwardedUntouched(t *testing.T) {
    r, fl, fd := newRouter(t, 2)
    // payload is garbage for any module; forwarders must not care
    raw := frame(t, packet.MsgModuleTrigger, 20, 30, 9, 999, 0xde, 0xad)
    if d := r.Deliver(1, raw); d != Forwarded { t.Fatalf("decision %v", d) }
    if len(fd.got) != 0 { t.Fatalf("foreign frame dispatched") }
    if len(fl.bcasts) != 1 || fl.bcasts[0].except != 1 || !bytes.Equal(fl.bcasts[0].frame, raw) { t.Fatalf("flood %+v", fl.bcasts) }

    raw[len(raw)-1] = 0
    if fl.bcasts[0].frame[len(raw)-1] != 0xad { t.Fatalf("router retained the caller buffer") }
}

func TestForwardOnlyFramesSkipBodyValidation(t *testing.T) {
    r, fl, _ := newRouter(t, 2)
    // module type but truncated before the module header: only the 7-byte
    // header matters when the frame is not for us
    raw := frame(t, packet.MsgMeshData, 20, 30, 1, 0)
    raw[0] = byte(packet.MsgModuleTrigger)
    if d := r.Deliver(1, raw); d != Forwarded || len(fl.bcasts) != 1 { t.Fatalf("decision %v", d) }
}

func TestMalformedDropped(t *testing.T) {
    r, fl, fd := newRouter(t, 3)
    short := []byte{byte(packet.MsgModuleTrigger), 20, 0, 10}
    badType := frame(t, packet.MsgMeshData, 20, local, 1, 0)
    badType[0] = 0xee
    truncLocal := frame(t, packet.MsgMeshData, 20, local, 2, 0)
    truncLocal[0] = byte(packet.MsgModuleTrigger)
    truncBcast := frame(t, packet.MsgMeshData, 20, packet.Broadcast, 3, 0)
    truncBcast[0] = byte(packet.MsgModuleResponse)
    fromBcast := frame(t, packet.MsgMeshData, 20, 30, 4, 0)
    fromBcast[1], fromBcast[2] = 0, 0
    oversize := make([]byte, 65)
    copy(oversize, frame(t, packet.MsgMeshData, 20, 30, 5, 0))

    for name, raw := range map[string][]byte{"short": short, "type": badType, "trunc-local": truncLocal, "trunc-bcast": truncBcast, "bcast-sender": fromBcast, "oversize": oversize, "empty": nil} {
        if d := r.Deliver(1, raw); d != DroppedMalformed { t.Fatalf("%s: decision %v", name, d) }
    }
    if len(fl.bcasts) != 0 || len(fd.got) != 0 { t.Fatalf("malformed input reached links or modules") }
    if s := r.Stats(); s.Malformed != 7 { t.Fatalf("malformed=%d", s.Malformed) }

    // a malformed copy must not poison the seen-set for the valid frame
    good := frame(t, packet.MsgModuleTrigger, 20, local, 2, 7)
    if d := r.Deliver(1, good); d != Consumed { t.Fatalf("valid frame after malformed: %v", d) }
}

func TestSelfAddressedOriginate(t *testing.T) {
    r, fl, fd := newRouter(t, 2)
    raw := frame(t, packet.MsgModuleTrigger, local, local, 1, 7, 42)
    if d := r.Originate(raw); d != Consumed { t.Fatalf("decision %v", d) }
    if len(fl.bcasts) != 0 { t.Fatalf("self traffic forwarded") }
    if len(fd.got) != 1 || fd.got[0].from != transport.ConnLocal || fd.got[0].msg.Sender != local || fd.got[0].msg.Receiver != local {
        t.Fatalf("dispatch %+v", fd.got)
    }
}

func TestOwnBroadcastEchoSuppressed(t *testing.T) {
    r, fl, fd := newRouter(t, 2)
    raw := frame(t, packet.MsgModuleGeneral, local, packet.Broadcast, 77, 3)
    if d := r.Originate(raw); d != ConsumedAndForwarded { t.Fatalf("decision %v", d) }
    if fl.bcasts[0].except != transport.ConnLocal { t.Fatalf("own broadcast must go to every link") }
    if d := r.Deliver(1, raw); d != DroppedDuplicate { t.Fatalf("echo decision %v", d) }
    if len(fd.got) != 1 { t.Fatalf("echo dispatched") }
}

func TestCanReach(t *testing.T) {
    r, fl, _ := newRouter(t, 0)
    if !r.CanReach(local) || !r.CanReach(packet.Broadcast) { t.Fatalf("local and broadcast are always reachable") }
    if r.CanReach(30) { t.Fatalf("no links, no route") }
    fl.n = 1
    if !r.CanReach(30) { t.Fatalf("any link floods") }
}

// ---- multi-node simulation over synchronous fake links ----

type hop struct {
    to   int
    from transport.ConnID
    raw  []byte
}

type simNet struct {
    routers []*Router
    disp    []*fakeDispatcher
    // adj[i] maps conn id on node i to (peer node, conn id on the peer)
    adj   []map[transport.ConnID][2]int
    queue []hop
    hops  int
}

type simLinks struct {
    net  *simNet
    node int
}

func (l simLinks) BroadcastExcept(except transport.ConnID, frame []byte) int {
    n := 0
    for c, peer := range l.net.adj[l.node] {
        if c == except { continue }
        l.net.queue = append(l.net.queue, hop{to: peer[0], from: transport.ConnID(peer[1]), raw: frame})
        n++
    }
    return n
}
func (l simLinks) Len() int { return len(l.net.adj[l.node]) }

func newSim(t *testing.T, n int, edges [][2]int) *simNet {
    s := &simNet{adj: make([]map[transport.ConnID][2]int, n)}
    for i := range s.adj { s.adj[i] = map[transport.ConnID][2]int{} }
    for _, e := range edges {
        ca := transport.ConnID(len(s.adj[e[0]]) + 1)
        cb := transport.ConnID(len(s.adj[e[1]]) + 1)
        s.adj[e[0]][ca] = [2]int{e[1], int(cb)}
        s.adj[e[1]][cb] = [2]int{e[0], int(ca)}
    }
    for i := 0; i < n; i++ {
        fd := &fakeDispatcher{}
        seen := dedup.New(dedup.Options{SweepInterval: -1})
        t.Cleanup(seen.Close)
        s.disp = append(s.disp, fd)
        s.routers = append(s.routers, New(packet.NodeID(i+1), simLinks{s, i}, fd, Options{MTU: 64, Seen: seen, Logger: zaptest.NewLogger(t)}))
    }
    return s
}

func (s *simNet) run(t *testing.T) {
    for len(s.queue) > 0 {
        h := s.queue[0]
        s.queue = s.queue[1:]
        s.routers[h.to].Deliver(h.from, h.raw)
        s.hops++
        if s.hops > 10000 { t.Fatalf("flood did not terminate") }
    }
}

func TestCyclicTopologiesDeliverOnce(t *testing.T) {
    topologies := map[string]struct {
        n     int
        edges [][2]int
    }{
        "triangle": {3, [][2]int{{0, 1}, {1, 2}, {2, 0}}},
        "ring5":    {5, [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 4}, {4, 0}}},
        "mesh4":    {4, [][2]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}},
    }
    for name, topo := range topologies {
        s := newSim(t, topo.n, topo.edges)
        b := frame(t, packet.MsgModuleGeneral, 1, packet.Broadcast, 1, 3, 9)
        s.routers[0].Originate(b)
        s.run(t)
        for i, d := range s.disp {
            if len(d.got) != 1 { t.Fatalf("%s: node %d consumed broadcast %d times", name, i+1, len(d.got)) }
        }
        // every directed edge carries the frame at most once
        if s.hops > 2*len(topo.edges) { t.Fatalf("%s: %d hops for %d edges", name, s.hops, len(topo.edges)) }

        // unicast to the far node is consumed once, by that node only
        far := topo.n - 1
        u := frame(t, packet.MsgModuleTrigger, 1, packet.NodeID(far+1), 2, 7, 123)
        s.routers[0].Originate(u)
        s.run(t)
        for i, d := range s.disp {
            want := 1
            if i == far { want = 2 }
            if len(d.got) != want { t.Fatalf("%s: node %d has %d deliveries, want %d", name, i+1, len(d.got), want) }
        }
    }
}
