package transport

import (
    "errors"
    "io"
    "net"
    "sort"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"
)

// DefaultLinkQueue is the per-link outbound queue length.
const DefaultLinkQueue = 64

type ManagerOptions struct {
    QueueLen int
    Logger   *zap.Logger
}

// Manager owns the attached sessions. Forward and BroadcastExcept never
// block: a frame that does not fit a link's queue is dropped and counted.
type Manager struct {
    sink   Sink
    qlen   int
    log    *zap.Logger

    mu     sync.RWMutex
    links  map[ConnID]*link
    nextID atomic.Uint32
    closed bool
    wg     sync.WaitGroup

    dropped atomic.Uint64
}

type link struct {
    id   ConnID
    s    Session
    out  chan []byte
    done chan struct{}
    once sync.Once
}

// LinkInfo describes one attached connection.
type LinkInfo struct {
    ID        ConnID
    Kind      Kind
    Peer      PeerInfo
    Queued    int
    Quality   Quality
}

func NewManager(sink Sink, opts ManagerOptions) *Manager {
    if opts.QueueLen <= 0 { opts.QueueLen = DefaultLinkQueue }
    if opts.Logger == nil { opts.Logger = zap.L() }
    return &Manager{sink: sink, qlen: opts.QueueLen, log: opts.Logger.Named("links"), links: make(map[ConnID]*link)}
}

func (m *Manager) allocID() ConnID {
    for {
        id := ConnID(m.nextID.Add(1))
        if id == ConnLocal { continue }
        if _, taken := m.links[id]; taken { continue }
        return id
    }
}

// Attach registers s, reports LinkConnected to the sink and starts its reader
// and writer. The session is closed when it fails or when the Manager closes.
func (m *Manager) Attach(s Session) (ConnID, error) {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        _ = s.Close()
        return ConnLocal, errors.New("transport: manager closed")
    }
    l := &link{s: s, out: make(chan []byte, m.qlen), done: make(chan struct{})}
    l.id = m.allocID()
    m.links[l.id] = l
    m.wg.Add(2)
    m.mu.Unlock()

    m.log.Info("link up", zap.Uint32("conn", uint32(l.id)), zap.String("kind", s.TransportKind().String()), zap.String("peer", s.Peer().Addr))
    m.sink.HandleLinkEvent(LinkEvent{Conn: l.id, Kind: LinkConnected, Transport: s.TransportKind(), Peer: s.Peer()})
    go m.readLoop(l)
    go m.writeLoop(l)
    return l.id, nil
}

func (m *Manager) readLoop(l *link) {
    defer m.wg.Done()
    for {
        b, err := l.s.RecvBytes()
        if err != nil {
            m.drop(l, err)
            return
        }
        select {
        case <-l.done:
            return
        default:
        }
        m.sink.HandleFrame(l.id, b)
    }
}

func (m *Manager) writeLoop(l *link) {
    defer m.wg.Done()
    for {
        select {
        case <-l.done:
            return
        case b := <-l.out:
            if err := l.s.SendBytes(b); err != nil {
                m.drop(l, err)
                return
            }
        }
    }
}

func (m *Manager) drop(l *link, cause error) {
    l.once.Do(func() {
        m.mu.Lock()
        delete(m.links, l.id)
        m.mu.Unlock()
        close(l.done)
        _ = l.s.Close()
        if isClosedErr(cause) { cause = nil }
        if cause != nil {
            m.log.Info("link down", zap.Uint32("conn", uint32(l.id)), zap.Error(cause))
        } else {
            m.log.Info("link down", zap.Uint32("conn", uint32(l.id)))
        }
        m.sink.HandleLinkEvent(LinkEvent{Conn: l.id, Kind: LinkDisconnected, Transport: l.s.TransportKind(), Peer: l.s.Peer(), Err: cause})
    })
}

func isClosedErr(err error) bool {
    return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// Detach closes the connection; LinkDisconnected follows.
func (m *Manager) Detach(id ConnID) bool {
    m.mu.RLock()
    l := m.links[id]
    m.mu.RUnlock()
    if l == nil { return false }
    m.drop(l, nil)
    return true
}

// Forward queues frame on one connection. It reports false when the
// connection is unknown or its queue is full.
func (m *Manager) Forward(id ConnID, frame []byte) bool {
    m.mu.RLock()
    l := m.links[id]
    m.mu.RUnlock()
    if l == nil { return false }
    return m.enqueue(l, frame)
}

// BroadcastExcept queues frame on every connection but except and returns
// how many links accepted it. The frame is shared read-only between links.
func (m *Manager) BroadcastExcept(except ConnID, frame []byte) int {
    m.mu.RLock()
    targets := make([]*link, 0, len(m.links))
    for id, l := range m.links {
        if id != except { targets = append(targets, l) }
    }
    m.mu.RUnlock()
    n := 0
    for _, l := range targets {
        if m.enqueue(l, frame) { n++ }
    }
    return n
}

func (m *Manager) enqueue(l *link, frame []byte) bool {
    select {
    case <-l.done:
        return false
    default:
    }
    select {
    case l.out <- frame:
        return true
    default:
        m.dropped.Add(1)
        m.log.Debug("link queue full, frame dropped", zap.Uint32("conn", uint32(l.id)))
        return false
    }
}

// Len returns the number of attached connections.
func (m *Manager) Len() int {
    m.mu.RLock(); defer m.mu.RUnlock()
    return len(m.links)
}

// Conns lists attached connection ids in ascending order.
func (m *Manager) Conns() []ConnID {
    m.mu.RLock()
    out := make([]ConnID, 0, len(m.links))
    for id := range m.links { out = append(out, id) }
    m.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

func (m *Manager) Info(id ConnID) (LinkInfo, bool) {
    m.mu.RLock(); defer m.mu.RUnlock()
    l := m.links[id]
    if l == nil { return LinkInfo{}, false }
    return LinkInfo{ID: id, Kind: l.s.TransportKind(), Peer: l.s.Peer(), Queued: len(l.out), Quality: l.s.Quality()}, true
}

// Dropped returns how many frames were discarded on full link queues.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }

// Close detaches every connection and waits for their goroutines.
func (m *Manager) Close() {
    m.mu.Lock()
    m.closed = true
    all := make([]*link, 0, len(m.links))
    for _, l := range m.links { all = append(all, l) }
    m.mu.Unlock()
    for _, l := range all { m.drop(l, nil) }
    m.wg.Wait()
}

// Done returns a channel closed when the connection goes away. For an
// unknown id the channel is already closed.
func (m *Manager) Done(id ConnID) <-chan struct{} {
    m.mu.RLock()
    l := m.links[id]
    m.mu.RUnlock()
    if l == nil {
        ch := make(chan struct{})
        close(ch)
        return ch
    }
    return l.done
}
