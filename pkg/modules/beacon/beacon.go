// Package beacon periodically announces the node to the whole mesh and
// keeps track of the nodes it hears announcing themselves.
package beacon

import (
    "encoding/binary"
    "sort"
    "strconv"
    "time"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/module"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

const (
    ID           packet.ModuleID = 3
    Name                         = "beacon"
    ActionBeacon uint8           = 0

    configVersion = 1
    MinInterval   = 100 * time.Millisecond
    footprint     = 384
)

// Settings is the persisted configuration.
type Settings struct {
    Enabled    bool   `cbor:"enabled"`
    IntervalMS uint32 `cbor:"interval_ms"`
}

func (s Settings) Interval() time.Duration { return time.Duration(s.IntervalMS) * time.Millisecond }

func Defaults() Settings { return Settings{Enabled: true, IntervalMS: 10000} }

func Factory() module.Factory {
    return module.Factory{ID: ID, Name: Name, Footprint: footprint, New: func(d module.Deps) module.Module { return New(d) }}
}

// Heard is what the module knows about another beaconing node.
type Heard struct {
    Node     packet.NodeID
    Conn     transport.ConnID
    LastSeen time.Time
    Count    uint64
    Seq      uint32 // last beacon counter received
}

type Module struct {
    module.Base
    d   module.Deps
    cfg *module.Config[Settings]

    elapsed time.Duration
    sent    uint32
    heard   map[packet.NodeID]*Heard
}

func New(d module.Deps) *Module {
    if d.Log == nil { d.Log = zap.NewNop() }
    if d.Now == nil { d.Now = time.Now }
    return &Module{
        Base:  module.NewBase(ID, Name),
        d:     d,
        cfg:   module.NewConfig(configVersion, Defaults),
        heard: make(map[packet.NodeID]*Heard),
    }
}

func (m *Module) DefaultConfig()                 { m.cfg.Reset() }
func (m *Module) ApplyConfig(blob []byte) error  { return m.cfg.Apply(blob) }
func (m *Module) MarshalConfig() ([]byte, error) { return m.cfg.Marshal() }

func (m *Module) OnConfigurationLoaded() {
    s := m.cfg.Get()
    if s.Interval() < MinInterval {
        s.IntervalMS = uint32(MinInterval / time.Millisecond)
        m.cfg.Set(s)
    }
    m.elapsed = 0
    m.d.Log.Info("beacon configured", zap.Bool("enabled", s.Enabled), zap.Duration("interval", s.Interval()))
}

func (m *Module) OnTimerTick(elapsed time.Duration) {
    if !m.cfg.Loaded() { return }
    s := m.cfg.Get()
    if !s.Enabled { return }
    m.elapsed += elapsed
    if m.elapsed < s.Interval() { return }
    m.elapsed = 0
    m.sent++
    var p [4]byte
    binary.LittleEndian.PutUint32(p[:], m.sent)
    if err := m.d.Out.Publish(packet.Broadcast, ID, ActionBeacon, p[:], false); err != nil {
        m.d.Log.Debug("beacon not sent", zap.Error(err))
    }
}

func (m *Module) OnMeshMessageReceived(from transport.ConnID, msg *packet.Message) {
    if !msg.For(ID) || msg.Type != packet.MsgModuleGeneral || msg.Action != ActionBeacon { return }
    if msg.Sender == m.d.Node || len(msg.Payload) < 4 { return }
    h := m.heard[msg.Sender]
    if h == nil {
        h = &Heard{Node: msg.Sender}
        m.heard[msg.Sender] = h
        m.d.Log.Info("new node heard", zap.Uint16("node", uint16(msg.Sender)), zap.Uint32("conn", uint32(from)))
    }
    h.Conn = from
    h.LastSeen = m.d.Now()
    h.Count++
    h.Seq = binary.LittleEndian.Uint32(msg.Payload)
}

// OnTerminalCommand handles "beacon", "beacon on|off" and
// "beacon interval <ms>". Changes are persisted.
func (m *Module) OnTerminalCommand(tokens []string) module.CommandResult {
    if len(tokens) == 0 || tokens[0] != Name { return module.Unhandled }
    if !m.cfg.Loaded() { return module.Failure }
    s := m.cfg.Get()
    switch {
    case len(tokens) == 1:
        m.d.Log.Info("beacon", zap.Bool("enabled", s.Enabled), zap.Duration("interval", s.Interval()),
            zap.Uint32("sent", m.sent), zap.Int("heard", len(m.heard)))
        return module.Success
    case len(tokens) == 2 && tokens[1] == "on":
        s.Enabled = true
    case len(tokens) == 2 && tokens[1] == "off":
        s.Enabled = false
    case len(tokens) == 3 && tokens[1] == "interval":
        ms, err := strconv.ParseUint(tokens[2], 10, 32)
        if err != nil || time.Duration(ms)*time.Millisecond < MinInterval { return module.Failure }
        s.IntervalMS = uint32(ms)
    default:
        return module.Failure
    }
    m.cfg.Set(s)
    m.elapsed = 0
    blob, err := m.cfg.Marshal()
    if err != nil {
        m.d.Log.Warn("marshal beacon config", zap.Error(err))
        return module.Failure
    }
    if m.d.Store != nil { m.d.Store.Persist(ID, blob) }
    return module.Success
}

func (m *Module) Settings() Settings { return m.cfg.Get() }

// Sent returns how many beacons were published.
func (m *Module) Sent() uint32 { return m.sent }

// Heard returns the nodes heard so far, ascending by id.
func (m *Module) Heard() []Heard {
    out := make([]Heard, 0, len(m.heard))
    for _, h := range m.heard { out = append(out, *h) }
    sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
    return out
}
