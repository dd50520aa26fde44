// Package status reports node state to the terminal and to remote nodes.
//
// A trigger with ActionGet is answered with a protobuf Struct prefixed
// with the body format marker. The module also counts every module packet
// the node consumes, per module id, including its siblings' traffic.
package status

import (
    "sort"
    "strconv"
    "time"

    "go.uber.org/zap"
    "google.golang.org/protobuf/types/known/structpb"

    "github.com/JosefGst/fruitymesh/pkg/module"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/packet/codec"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

const (
    ID        packet.ModuleID = 4
    Name                      = "status"
    ActionGet uint8           = 0

    footprint = 512
)

func Factory() module.Factory {
    return module.Factory{ID: ID, Name: Name, Footprint: footprint, New: func(d module.Deps) module.Module { return New(d) }}
}

type Module struct {
    module.Base
    d      module.Deps
    codecs *codec.Registry

    traffic map[packet.ModuleID]uint64
    remote  map[packet.NodeID]*structpb.Struct
}

func New(d module.Deps) *Module {
    if d.Log == nil { d.Log = zap.NewNop() }
    return &Module{
        Base:    module.NewBase(ID, Name),
        d:       d,
        codecs:  codec.NewRegistry(),
        traffic: make(map[packet.ModuleID]uint64),
        remote:  make(map[packet.NodeID]*structpb.Struct),
    }
}

// Report builds the status document of the local node. Keys are short
// because the encoded document has to fit one frame.
func (m *Module) Report() (*structpb.Struct, error) {
    doc := map[string]any{"node": float64(m.d.Node)}
    if m.d.Info != nil {
        in := m.d.Info.Info()
        mods := make([]any, 0, len(in.Modules))
        for _, n := range in.Modules { mods = append(mods, n) }
        doc["up"] = in.Uptime.Truncate(time.Second).Seconds()
        doc["mods"] = mods
        doc["links"] = float64(in.Links)
        doc["rx"] = float64(in.Consumed)
        doc["fwd"] = float64(in.Forwarded)
        doc["drop"] = float64(in.Malformed + in.Duplicate)
        doc["known"] = float64(len(in.Known))
    }
    return structpb.NewStruct(doc)
}

// encodeReport returns the format-prefixed report, replacing the module
// list with its length when the full document does not fit a frame.
func (m *Module) encodeReport() ([]byte, error) {
    doc, err := m.Report()
    if err != nil { return nil, err }
    body, err := packet.EncodeBody(m.codecs, packet.FormatProto, doc)
    if err != nil { return nil, err }
    if len(body) <= packet.MaxPayload(packet.MsgModuleResponse, m.d.MTU) { return body, nil }
    if mods := doc.Fields["mods"].GetListValue(); mods != nil {
        doc.Fields["mods"] = structpb.NewNumberValue(float64(len(mods.Values)))
    }
    return packet.EncodeBody(m.codecs, packet.FormatProto, doc)
}

func (m *Module) OnMeshMessageReceived(_ transport.ConnID, msg *packet.Message) {
    if !msg.IsModule() { return }
    m.traffic[msg.ModuleID]++
    if msg.ModuleID != ID || msg.Action != ActionGet { return }
    switch {
    case msg.IsTrigger():
        body, err := m.encodeReport()
        if err != nil {
            m.d.Log.Warn("encode report", zap.Error(err))
            return
        }
        if err := m.d.Out.Reply(msg.Sender, ID, ActionGet, body, false); err != nil {
            m.d.Log.Debug("status reply failed", zap.Uint16("to", uint16(msg.Sender)), zap.Error(err))
        }
    case msg.IsResponse():
        var doc structpb.Struct
        if _, err := packet.DecodeBody(m.codecs, msg.Payload, &doc); err != nil {
            m.d.Log.Debug("bad status body", zap.Uint16("from", uint16(msg.Sender)), zap.Error(err))
            return
        }
        m.remote[msg.Sender] = &doc
        m.d.Log.Info("remote status", zap.Uint16("node", uint16(msg.Sender)), zap.Any("status", doc.AsMap()))
    }
}

// OnTerminalCommand handles "status" and "status <node>".
func (m *Module) OnTerminalCommand(tokens []string) module.CommandResult {
    if len(tokens) == 0 || tokens[0] != Name { return module.Unhandled }
    switch len(tokens) {
    case 1:
        doc, err := m.Report()
        if err != nil { return module.Failure }
        m.d.Log.Info("status", zap.Any("status", doc.AsMap()), zap.Any("traffic", m.Traffic()))
        return module.Success
    case 2:
        v, err := strconv.ParseUint(tokens[1], 10, 16)
        if err != nil || v == 0 { return module.Failure }
        if err := m.d.Out.Send(packet.NodeID(v), ID, ActionGet, nil, true); err != nil {
            m.d.Log.Warn("status request not sent", zap.Uint64("node", v), zap.Error(err))
            return module.Failure
        }
        return module.Success
    default:
        return module.Failure
    }
}

// Traffic returns consumed module packets per module id.
func (m *Module) Traffic() map[packet.ModuleID]uint64 {
    out := make(map[packet.ModuleID]uint64, len(m.traffic))
    for k, v := range m.traffic { out[k] = v }
    return out
}

// Remote returns the last status received from node.
func (m *Module) Remote(node packet.NodeID) (*structpb.Struct, bool) {
    s, ok := m.remote[node]
    return s, ok
}

// RemoteNodes lists nodes that answered a status request, ascending.
func (m *Module) RemoteNodes() []packet.NodeID {
    out := make([]packet.NodeID, 0, len(m.remote))
    for k := range m.remote { out = append(out, k) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}
