package memkv

import (
    "container/heap"
    "sync"
    "sync/atomic"
    "time"
)

type Options struct {
    Shards        int              // number of shards (default 16)
    MaxKeys       int              // 0 = unbounded
    SweepInterval time.Duration    // background expiry cadence (default 1s, <0 disables)
    NoCopy        bool             // store and return caller slices as-is
    Clock         func() time.Time // time source, time.Now when nil
}

func (o Options) withDefaults() Options {
    if o.Shards <= 0 { o.Shards = 16 }
    if o.SweepInterval == 0 { o.SweepInterval = time.Second }
    if o.Clock == nil { o.Clock = time.Now }
    return o
}

// Metrics is a point-in-time snapshot of store counters.
type Metrics struct {
    Keys, Bytes                 uint64
    Sets, Gets, Hits, Misses    uint64
    Dels, Expired, Evicted      uint64
}

type Store struct {
    opts   Options
    shards []shard

    expMu sync.Mutex
    expq  expQueue

    stop chan struct{}
    wg   sync.WaitGroup

    mKeys, mBytes                 atomic.Uint64
    mSets, mGets, mHits, mMisses  atomic.Uint64
    mDels, mExpired, mEvicted     atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nano, 0 = never
}

func (e *entry) alive(now int64) bool { return e.expireAt == 0 || e.expireAt > now }

func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{opts: opts, shards: make([]shard, opts.Shards), stop: make(chan struct{})}
    for i := range s.shards {
        s.shards[i].m = make(map[string]*entry)
    }
    heap.Init(&s.expq)
    if opts.SweepInterval > 0 {
        s.wg.Add(1)
        go s.sweeper()
    }
    return s
}

// Close stops the background sweeper. The store stays readable.
func (s *Store) Close() {
    select {
    case <-s.stop:
        return
    default:
        close(s.stop)
    }
    s.wg.Wait()
}

func (s *Store) now() int64 { return s.opts.Clock().UnixNano() }

func (s *Store) shardFor(key string) *shard {
    // FNV-1a
    var h uint64 = 1469598103934665603
    for i := 0; i < len(key); i++ {
        h ^= uint64(key[i])
        h *= 1099511628211
    }
    return &s.shards[h%uint64(len(s.shards))]
}

func (s *Store) clone(b []byte) []byte {
    if s.opts.NoCopy || b == nil { return b }
    out := make([]byte, len(b))
    copy(out, b)
    return out
}

func (s *Store) expiry(ttl time.Duration, now int64) int64 {
    if ttl <= 0 { return 0 }
    return now + int64(ttl)
}

// Set stores val under key. It returns true when the key did not exist
// (or had expired) before the call.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
    created, _ := s.put(key, val, ttl, false)
    return created
}

// SetNX stores val only when key is absent or expired. It returns true when
// the value was stored.
func (s *Store) SetNX(key string, val []byte, ttl time.Duration) bool {
    _, stored := s.put(key, val, ttl, true)
    return stored
}

func (s *Store) put(key string, val []byte, ttl time.Duration, onlyNew bool) (created, stored bool) {
    now := s.now()
    exp := s.expiry(ttl, now)
    v := s.clone(val)

    sh := s.shardFor(key)
    sh.mu.Lock()
    prev, ok := sh.m[key]
    live := ok && prev.alive(now)
    if onlyNew && live {
        sh.mu.Unlock()
        return false, false
    }
    if ok {
        s.subBytes(uint64(len(prev.val)))
    } else {
        s.mKeys.Add(1)
    }
    sh.m[key] = &entry{val: v, expireAt: exp}
    s.mBytes.Add(uint64(len(v)))
    sh.mu.Unlock()

    s.mSets.Add(1)
    if exp != 0 {
        s.expMu.Lock()
        heap.Push(&s.expq, &expItem{key: key, expireAt: exp})
        s.expMu.Unlock()
    }
    if !ok {
        s.enforceCap(key)
    }
    return !live, true
}

// enforceCap evicts soonest-expiring entries while the store is over
// MaxKeys. keep is never evicted by the call that inserted it.
func (s *Store) enforceCap(keep string) {
    if s.opts.MaxKeys <= 0 { return }
    for s.mKeys.Load() > uint64(s.opts.MaxKeys) {
        s.expMu.Lock()
        var victim *expItem
        var skipped []*expItem
        for s.expq.Len() > 0 {
            it := heap.Pop(&s.expq).(*expItem)
            if it.key == keep {
                skipped = append(skipped, it)
                continue
            }
            victim = it
            break
        }
        for _, it := range skipped { heap.Push(&s.expq, it) }
        s.expMu.Unlock()
        if victim == nil { return }
        if s.removeIf(victim.key, victim.expireAt) { s.mEvicted.Add(1) }
    }
}

// removeIf deletes key when its current expiry still equals expireAt, so a
// stale heap item never removes a refreshed entry.
func (s *Store) removeIf(key string, expireAt int64) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok || e.expireAt != expireAt { return false }
    delete(sh.m, key)
    s.mKeys.Add(^uint64(0))
    s.subBytes(uint64(len(e.val)))
    return true
}

func (s *Store) subBytes(n uint64) {
    for {
        cur := s.mBytes.Load()
        next := uint64(0)
        if n < cur { next = cur - n }
        if s.mBytes.CompareAndSwap(cur, next) { return }
    }
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
    s.mGets.Add(1)
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    if ok && !e.alive(s.now()) { ok = false }
    var v []byte
    if ok { v = s.clone(e.val) }
    sh.mu.RUnlock()
    if !ok {
        s.mMisses.Add(1)
        return nil, false
    }
    s.mHits.Add(1)
    return v, true
}

// Exists reports whether key holds a live value.
func (s *Store) Exists(key string) bool {
    sh := s.shardFor(key)
    sh.mu.RLock()
    defer sh.mu.RUnlock()
    e, ok := sh.m[key]
    return ok && e.alive(s.now())
}

// Delete removes key. It returns true when a live value was removed.
func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if ok {
        delete(sh.m, key)
        s.mKeys.Add(^uint64(0))
        s.subBytes(uint64(len(e.val)))
    }
    sh.mu.Unlock()
    if !ok { return false }
    s.mDels.Add(1)
    return e.alive(s.now())
}

// Update replaces the value under key with fn(old) keeping its TTL. fn sees
// nil when the key is absent; in that case the key is created without TTL.
// It returns false when fn returns nil (nothing stored).
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
    now := s.now()
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if ok && !e.alive(now) {
        delete(sh.m, key)
        s.mKeys.Add(^uint64(0))
        s.subBytes(uint64(len(e.val)))
        e, ok = nil, false
    }
    var old []byte
    if ok { old = e.val }
    nv := fn(old)
    if nv == nil {
        sh.mu.Unlock()
        return false
    }
    nv = s.clone(nv)
    if ok {
        s.subBytes(uint64(len(e.val)))
        e.val = nv
    } else {
        sh.m[key] = &entry{val: nv}
        s.mKeys.Add(1)
    }
    s.mBytes.Add(uint64(len(nv)))
    sh.mu.Unlock()
    s.mSets.Add(1)
    if !ok { s.enforceCap(key) }
    return true
}

// Expire sets a new TTL on an existing key (ttl <= 0 removes the TTL).
func (s *Store) Expire(key string, ttl time.Duration) bool {
    now := s.now()
    exp := s.expiry(ttl, now)
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if ok && e.alive(now) {
        e.expireAt = exp
    } else {
        ok = false
    }
    sh.mu.Unlock()
    if ok && exp != 0 {
        s.expMu.Lock()
        heap.Push(&s.expq, &expItem{key: key, expireAt: exp})
        s.expMu.Unlock()
    }
    return ok
}

// Keys returns live keys with the given prefix, in no particular order.
func (s *Store) Keys(prefix string) []string {
    now := s.now()
    var out []string
    for i := range s.shards {
        sh := &s.shards[i]
        sh.mu.RLock()
        for k, e := range sh.m {
            if e.alive(now) && len(k) >= len(prefix) && k[:len(prefix)] == prefix {
                out = append(out, k)
            }
        }
        sh.mu.RUnlock()
    }
    return out
}

// Len returns the number of stored keys, including expired ones not yet swept.
func (s *Store) Len() int { return int(s.mKeys.Load()) }

func (s *Store) Metrics() Metrics {
    return Metrics{
        Keys: s.mKeys.Load(), Bytes: s.mBytes.Load(),
        Sets: s.mSets.Load(), Gets: s.mGets.Load(), Hits: s.mHits.Load(), Misses: s.mMisses.Load(),
        Dels: s.mDels.Load(), Expired: s.mExpired.Load(), Evicted: s.mEvicted.Load(),
    }
}

// Sweep removes every entry that has expired by now and returns how many
// were removed. The background sweeper calls it; tests with a fake clock
// call it directly.
func (s *Store) Sweep() int {
    now := s.now()
    var due []*expItem
    s.expMu.Lock()
    for s.expq.Len() > 0 && s.expq[0].expireAt <= now {
        due = append(due, heap.Pop(&s.expq).(*expItem))
    }
    s.expMu.Unlock()
    n := 0
    for _, it := range due {
        if s.removeIf(it.key, it.expireAt) {
            n++
        }
    }
    s.mExpired.Add(uint64(n))
    return n
}

func (s *Store) sweeper() {
    defer s.wg.Done()
    t := time.NewTicker(s.opts.SweepInterval)
    defer t.Stop()
    for {
        select {
        case <-s.stop:
            return
        case <-t.C:
            s.Sweep()
        }
    }
}

// ---- expiry heap ----

type expItem struct {
    key      string
    expireAt int64
}

type expQueue []*expItem

func (q expQueue) Len() int            { return len(q) }
func (q expQueue) Less(i, j int) bool  { return q[i].expireAt < q[j].expireAt }
func (q expQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *expQueue) Push(x any)         { *q = append(*q, x.(*expItem)) }
func (q *expQueue) Pop() any {
    old := *q
    n := len(old)
    it := old[n-1]
    old[n-1] = nil
    *q = old[:n-1]
    return it
}
