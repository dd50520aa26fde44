// Package ping answers echo requests and lets an operator ping other nodes
// from the terminal.
//
// A trigger with action ActionPing and payload P is answered with an
// action-response carrying P followed by Marker.
package ping

import (
    "strconv"
    "time"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/module"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

const (
    ID         packet.ModuleID = 7
    Name                       = "ping"
    ActionPing uint8           = 0
    Marker     byte            = 0x6f

    DefaultTimeout = 5 * time.Second
    footprint      = 256
)

// Factory registers the module; timeout <= 0 uses DefaultTimeout.
func Factory(timeout time.Duration) module.Factory {
    if timeout <= 0 { timeout = DefaultTimeout }
    return module.Factory{ID: ID, Name: Name, Footprint: footprint, New: func(d module.Deps) module.Module {
        return New(d, timeout)
    }}
}

type pending struct {
    dst     packet.NodeID
    sentAt  time.Time
    elapsed time.Duration
}

// Result is the outcome of one terminal ping.
type Result struct {
    Node     packet.NodeID
    Handle   byte
    RTT      time.Duration
    TimedOut bool
}

type Module struct {
    module.Base
    d       module.Deps
    timeout time.Duration

    next    byte
    pending map[byte]*pending
    results []Result
    echoed  uint64
}

func New(d module.Deps, timeout time.Duration) *Module {
    if d.Log == nil { d.Log = zap.NewNop() }
    if d.Now == nil { d.Now = time.Now }
    return &Module{Base: module.NewBase(ID, Name), d: d, timeout: timeout, pending: make(map[byte]*pending)}
}

func (m *Module) OnMeshMessageReceived(_ transport.ConnID, msg *packet.Message) {
    if !msg.For(ID) || msg.Action != ActionPing { return }
    switch {
    case msg.IsTrigger():
        reply := make([]byte, 0, len(msg.Payload)+1)
        reply = append(append(reply, msg.Payload...), Marker)
        if err := m.d.Out.Reply(msg.Sender, ID, ActionPing, reply, false); err != nil {
            m.d.Log.Debug("echo reply failed", zap.Uint16("to", uint16(msg.Sender)), zap.Error(err))
            return
        }
        m.echoed++
    case msg.IsResponse():
        if len(msg.Payload) != 2 || msg.Payload[1] != Marker { return }
        h := msg.Payload[0]
        p, ok := m.pending[h]
        if !ok || p.dst != msg.Sender { return }
        delete(m.pending, h)
        rtt := m.d.Now().Sub(p.sentAt)
        m.results = append(m.results, Result{Node: p.dst, Handle: h, RTT: rtt})
        m.d.Log.Info("pong", zap.Uint16("from", uint16(p.dst)), zap.Duration("rtt", rtt))
    }
}

func (m *Module) OnTimerTick(elapsed time.Duration) {
    for h, p := range m.pending {
        p.elapsed += elapsed
        if p.elapsed < m.timeout { continue }
        delete(m.pending, h)
        m.results = append(m.results, Result{Node: p.dst, Handle: h, TimedOut: true})
        m.d.Log.Info("ping timed out", zap.Uint16("node", uint16(p.dst)), zap.Duration("after", p.elapsed))
    }
}

// OnTerminalCommand handles "ping <node>".
func (m *Module) OnTerminalCommand(tokens []string) module.CommandResult {
    if len(tokens) == 0 || tokens[0] != Name { return module.Unhandled }
    if len(tokens) != 2 { return module.Failure }
    v, err := strconv.ParseUint(tokens[1], 10, 16)
    if err != nil || v == 0 { return module.Failure }
    dst := packet.NodeID(v)
    if len(m.pending) >= 256 { return module.Failure }
    h := m.next
    for m.pending[h] != nil { h++ }
    m.next = h + 1
    if err := m.d.Out.Send(dst, ID, ActionPing, []byte{h}, true); err != nil {
        m.d.Log.Warn("ping not sent", zap.Uint16("node", uint16(dst)), zap.Error(err))
        return module.Failure
    }
    m.pending[h] = &pending{dst: dst, sentAt: m.d.Now()}
    return module.Success
}

// Pending returns the number of outstanding pings.
func (m *Module) Pending() int { return len(m.pending) }

// Results returns completed and timed out pings, oldest first.
func (m *Module) Results() []Result { return append([]Result(nil), m.results...) }

// Echoed returns how many requests were answered.
func (m *Module) Echoed() uint64 { return m.echoed }
