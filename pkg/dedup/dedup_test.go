package dedup

import (
    "testing"
    "time"

    "github.com/JosefGst/fruitymesh/pkg/packet"
)

func TestObserveOnce(t *testing.T) {
    s := New(Options{SweepInterval: -1})
    defer s.Close()
    if !s.Observe(5, 100) { t.Fatalf("first observe must be new") }
    if s.Observe(5, 100) { t.Fatalf("second observe must be duplicate") }
    if !s.Observe(6, 100) { t.Fatalf("different sender is a different frame") }
    if !s.Observe(5, 101) { t.Fatalf("different sequence is a different frame") }
    if !s.Seen(5, 100) || s.Seen(7, 1) { t.Fatalf("Seen mismatch") }
}

func TestExpiryForgets(t *testing.T) {
    now := time.Unix(0, 0)
    s := New(Options{TTL: time.Second, SweepInterval: -1, Clock: func() time.Time { return now }})
    defer s.Close()
    s.Observe(1, 1)
    now = now.Add(2 * time.Second)
    if !s.Observe(1, 1) { t.Fatalf("expired identity should be accepted again") }
}

func TestCapacityBounded(t *testing.T) {
    now := time.Unix(0, 0)
    s := New(Options{Capacity: 8, SweepInterval: -1, Clock: func() time.Time { return now }})
    defer s.Close()
    for i := 0; i < 100; i++ {
        s.Observe(packet.NodeID(1), uint16(i))
        now = now.Add(time.Millisecond)
    }
    if s.Len() != 8 { t.Fatalf("len=%d, want 8", s.Len()) }
    if !s.Seen(1, 99) { t.Fatalf("newest identity must be kept") }
    if s.Seen(1, 0) { t.Fatalf("oldest identity must be evicted") }
}
