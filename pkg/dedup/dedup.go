// Package dedup remembers recently routed (sender, sequence) pairs so that
// flooded frames are handled once per node even on cyclic topologies.
package dedup

import (
    "encoding/binary"
    "time"

    "github.com/JosefGst/fruitymesh/pkg/memkv"
    "github.com/JosefGst/fruitymesh/pkg/packet"
)

const (
    DefaultTTL      = 30 * time.Second
    DefaultCapacity = 4096
)

type Options struct {
    TTL      time.Duration
    Capacity int
    Clock    func() time.Time
    // SweepInterval is passed to the underlying store; <0 disables the
    // background sweeper (capacity eviction still applies).
    SweepInterval time.Duration
}

// Set is a bounded, expiring set of frame identities.
type Set struct {
    ttl time.Duration
    kv  *memkv.Store
}

func New(o Options) *Set {
    if o.TTL <= 0 { o.TTL = DefaultTTL }
    if o.Capacity <= 0 { o.Capacity = DefaultCapacity }
    return &Set{
        ttl: o.TTL,
        kv: memkv.New(memkv.Options{
            Shards:        4,
            MaxKeys:       o.Capacity,
            SweepInterval: o.SweepInterval,
            Clock:         o.Clock,
        }),
    }
}

func key(sender packet.NodeID, seq uint16) string {
    var b [4]byte
    binary.LittleEndian.PutUint16(b[0:2], uint16(sender))
    binary.LittleEndian.PutUint16(b[2:4], seq)
    return string(b[:])
}

// Observe records (sender, seq) and reports whether it was new.
func (s *Set) Observe(sender packet.NodeID, seq uint16) bool {
    return s.kv.SetNX(key(sender, seq), nil, s.ttl)
}

// Seen reports whether (sender, seq) is currently remembered.
func (s *Set) Seen(sender packet.NodeID, seq uint16) bool {
    return s.kv.Exists(key(sender, seq))
}

func (s *Set) Len() int { return s.kv.Len() }

// Sweep drops expired identities now.
func (s *Set) Sweep() int { return s.kv.Sweep() }

func (s *Set) Close() { s.kv.Close() }
