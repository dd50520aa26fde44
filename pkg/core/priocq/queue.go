// Package priocq provides the bounded multi-class queue and the token bucket
// the outbound path drains through.
package priocq

import (
    "sync"
    "time"
)

// Class is a priority class; lower values are always served first.
type Class int

const (
    ClassReliable Class = iota
    ClassBestEffort
    numClasses
)

type Item struct {
    Frame   []byte
    Dest    uint16 // flow key, the destination node
    Size    int
    Class   Class
    Arrived time.Time
}

// flow implements a DRR queue per destination
type flow struct {
    key     uint16
    q       []Item
    deficit int
    quantum int
}

type level struct {
    flows map[uint16]*flow
    order []uint16 // round robin order
    idx   int
}

// MultiLevelQueue: strict priority between classes, deficit round robin
// between destinations within a class, FIFO within a destination. The total
// number of queued items is bounded.
type MultiLevelQueue struct {
    mu    sync.Mutex
    lvls  [numClasses]*level
    cap   int
    n     int
    bytes int
}

// New returns a queue holding at most capacity items (<= 0 means 64).
func New(capacity int) *MultiLevelQueue {
    if capacity <= 0 { capacity = 64 }
    mlq := &MultiLevelQueue{cap: capacity}
    for i := 0; i < int(numClasses); i++ {
        mlq.lvls[i] = &level{flows: make(map[uint16]*flow), order: make([]uint16, 0, 8)}
    }
    return mlq
}

// TryEnqueue appends it unless the queue is full.
func (q *MultiLevelQueue) TryEnqueue(it Item) bool {
    if it.Class < 0 || it.Class >= numClasses { it.Class = ClassBestEffort }
    if it.Size == 0 { it.Size = len(it.Frame) }
    q.mu.Lock()
    defer q.mu.Unlock()
    if q.n >= q.cap { return false }
    lvl := q.lvls[it.Class]
    f := lvl.flows[it.Dest]
    if f == nil {
        f = &flow{key: it.Dest, quantum: chooseQuantum(it.Class)}
        lvl.flows[it.Dest] = f
        lvl.order = append(lvl.order, it.Dest)
    }
    f.q = append(f.q, it)
    q.n++
    q.bytes += it.Size
    return true
}

func chooseQuantum(c Class) int {
    switch c {
    case ClassReliable:
        return 512
    default:
        return 256
    }
}

// PopIf removes and returns the next item when accept approves it. A
// refused item stays at the head of its flow.
func (q *MultiLevelQueue) PopIf(accept func(Item) bool) (Item, bool) {
    q.mu.Lock()
    defer q.mu.Unlock()
    for li := 0; li < int(numClasses); li++ {
        lvl := q.lvls[li]
        n := len(lvl.order)
        if n == 0 { continue }
        // two passes: the first may only refill deficits
        for pass := 0; pass < 2; pass++ {
            start := lvl.idx
            for i := 0; i < n; i++ {
                j := (start + i) % n
                f := lvl.flows[lvl.order[j]]
                if f == nil || len(f.q) == 0 { continue }
                if f.deficit <= 0 { f.deficit += f.quantum }
                sz := f.q[0].Size
                if sz > f.deficit {
                    f.deficit += f.quantum
                    continue
                }
                it := f.q[0]
                if accept != nil && !accept(it) { return Item{}, false }
                f.q[0] = Item{}
                f.q = f.q[1:]
                f.deficit -= sz
                if len(f.q) == 0 { f.deficit = 0 }
                lvl.idx = (j + 1) % n
                q.n--
                q.bytes -= sz
                q.gc(lvl)
                return it, true
            }
        }
        // Items larger than several quanta: serve the head of the current
        // flow anyway so nothing starves.
        for i := 0; i < n; i++ {
            j := (lvl.idx + i) % n
            f := lvl.flows[lvl.order[j]]
            if f == nil || len(f.q) == 0 { continue }
            it := f.q[0]
            if accept != nil && !accept(it) { return Item{}, false }
            f.q[0] = Item{}
            f.q = f.q[1:]
            f.deficit = 0
            lvl.idx = (j + 1) % n
            q.n--
            q.bytes -= it.Size
            q.gc(lvl)
            return it, true
        }
    }
    return Item{}, false
}

// Pop removes the next item.
func (q *MultiLevelQueue) Pop() (Item, bool) { return q.PopIf(nil) }

// gc drops empty flows so the order slice does not grow with every
// destination ever seen.
func (q *MultiLevelQueue) gc(lvl *level) {
    if len(lvl.order) < 16 { return }
    out := lvl.order[:0]
    for _, k := range lvl.order {
        if f := lvl.flows[k]; f != nil && len(f.q) > 0 {
            out = append(out, k)
        } else {
            delete(lvl.flows, k)
        }
    }
    lvl.order = out
    if len(out) == 0 { lvl.idx = 0 } else { lvl.idx %= len(out) }
}

func (q *MultiLevelQueue) Len() int   { q.mu.Lock(); defer q.mu.Unlock(); return q.n }
func (q *MultiLevelQueue) Bytes() int { q.mu.Lock(); defer q.mu.Unlock(); return q.bytes }
func (q *MultiLevelQueue) Cap() int   { return q.cap }
