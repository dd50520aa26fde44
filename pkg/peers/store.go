// Package peers keeps link and node statistics as JSON documents in memkv.
package peers

import (
    "encoding/json"
    "fmt"
    "sort"
    "strconv"
    "strings"
    "time"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/memkv"
    "github.com/JosefGst/fruitymesh/pkg/packet"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

const DefaultTTL = 5 * time.Minute

// Store records per-connection counters and, per origin node, the
// connection it was last heard on. Node records expire after ttl without
// traffic; link records expire ttl after the link went down.
type Store struct {
    kv  *memkv.Store
    ttl time.Duration
    now func() time.Time
}

func NewStore(kv *memkv.Store, ttl time.Duration) *Store {
    if ttl <= 0 { ttl = DefaultTTL }
    return &Store{kv: kv, ttl: ttl, now: time.Now}
}

type LinkStats struct {
    Conn        transport.ConnID `json:"conn"`
    Kind        string           `json:"kind"`
    Addr        string           `json:"addr,omitempty"`
    Name        string           `json:"name,omitempty"`
    Up          bool             `json:"up"`
    ConnectedAt int64            `json:"connected_unix_ms"`
    LastSeen    int64            `json:"last_seen_unix_ms"`
    FramesIn    uint64           `json:"frames_in"`
    FramesOut   uint64           `json:"frames_out"`
    BytesIn     uint64           `json:"bytes_in"`
    BytesOut    uint64           `json:"bytes_out"`
}

type NodeStats struct {
    Node     packet.NodeID    `json:"node"`
    LastConn transport.ConnID `json:"last_conn"`
    LastSeen int64            `json:"last_seen_unix_ms"`
    Frames   uint64           `json:"frames"`
}

func keyLink(id transport.ConnID) string { return "link:" + strconv.FormatUint(uint64(id), 10) }
func keyNode(id packet.NodeID) string    { return "node:" + strconv.FormatUint(uint64(id), 10) }

func (s *Store) updateLink(id transport.ConnID, fn func(*LinkStats)) {
    _ = s.kv.Update(keyLink(id), func(old []byte) []byte {
        var ls LinkStats
        _ = json.Unmarshal(old, &ls)
        ls.Conn = id
        fn(&ls)
        b, _ := json.Marshal(ls)
        return b
    })
}

// Apply records a link event.
func (s *Store) Apply(ev transport.LinkEvent) {
    now := s.now().UnixMilli()
    switch ev.Kind {
    case transport.LinkConnected:
        s.updateLink(ev.Conn, func(ls *LinkStats) {
            ls.Kind = ev.Transport.String()
            ls.Addr = ev.Peer.Addr
            ls.Name = ev.Peer.Name
            ls.Up = true
            ls.ConnectedAt = now
            ls.LastSeen = now
        })
        _ = s.kv.Expire(keyLink(ev.Conn), 0)
    case transport.LinkDisconnected:
        s.updateLink(ev.Conn, func(ls *LinkStats) { ls.Up = false })
        _ = s.kv.Expire(keyLink(ev.Conn), s.ttl)
    }
    zap.L().Debug("link stats", zap.Uint32("conn", uint32(ev.Conn)), zap.Stringer("event", ev.Kind))
}

// RecordInbound counts a frame received on conn and, when sender is known,
// remembers that the origin was last heard there.
func (s *Store) RecordInbound(conn transport.ConnID, sender packet.NodeID, n int) {
    now := s.now().UnixMilli()
    if conn != transport.ConnLocal {
        s.updateLink(conn, func(ls *LinkStats) {
            ls.FramesIn++
            ls.BytesIn += uint64(n)
            ls.LastSeen = now
        })
    }
    if sender == packet.Broadcast { return }
    _ = s.kv.Update(keyNode(sender), func(old []byte) []byte {
        var ns NodeStats
        _ = json.Unmarshal(old, &ns)
        ns.Node = sender
        ns.LastConn = conn
        ns.LastSeen = now
        ns.Frames++
        b, _ := json.Marshal(ns)
        return b
    })
    _ = s.kv.Expire(keyNode(sender), s.ttl)
}

// RecordOutbound counts a frame queued on conn.
func (s *Store) RecordOutbound(conn transport.ConnID, n int) {
    s.updateLink(conn, func(ls *LinkStats) {
        ls.FramesOut++
        ls.BytesOut += uint64(n)
    })
}

func (s *Store) Link(id transport.ConnID) (LinkStats, bool) {
    b, ok := s.kv.Get(keyLink(id))
    if !ok { return LinkStats{}, false }
    var ls LinkStats
    if err := json.Unmarshal(b, &ls); err != nil { return LinkStats{}, false }
    return ls, true
}

func (s *Store) Node(id packet.NodeID) (NodeStats, bool) {
    b, ok := s.kv.Get(keyNode(id))
    if !ok { return NodeStats{}, false }
    var ns NodeStats
    if err := json.Unmarshal(b, &ns); err != nil { return NodeStats{}, false }
    return ns, true
}

// Links returns all link records ordered by connection id.
func (s *Store) Links() []LinkStats {
    var out []LinkStats
    for _, k := range s.kv.Keys("link:") {
        id, err := strconv.ParseUint(strings.TrimPrefix(k, "link:"), 10, 32)
        if err != nil { continue }
        if ls, ok := s.Link(transport.ConnID(id)); ok { out = append(out, ls) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Conn < out[j].Conn })
    return out
}

// Nodes returns every origin heard within the TTL, ordered by id.
func (s *Store) Nodes() []NodeStats {
    var out []NodeStats
    for _, k := range s.kv.Keys("node:") {
        id, err := strconv.ParseUint(strings.TrimPrefix(k, "node:"), 10, 16)
        if err != nil { continue }
        if ns, ok := s.Node(packet.NodeID(id)); ok { out = append(out, ns) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
    return out
}

func (ls LinkStats) String() string {
    state := "down"
    if ls.Up { state = "up" }
    return fmt.Sprintf("conn %d %s %s %s in=%d/%dB out=%d/%dB", ls.Conn, ls.Kind, ls.Addr, state, ls.FramesIn, ls.BytesIn, ls.FramesOut, ls.BytesOut)
}
