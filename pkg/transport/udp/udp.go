package udp

import (
    "context"
    "errors"
    "fmt"
    "net"
    "sync"
    "time"

    "github.com/JosefGst/fruitymesh/pkg/transport"
)

// maxDatagram bounds a received datagram; larger ones are truncated by the
// kernel and then rejected by the packet decoder.
const maxDatagram = 64 * 1024

var errClosed = fmt.Errorf("udp session: %w", net.ErrClosed)

// Transport carries one mesh frame per datagram. Inbound sessions are
// demultiplexed by remote address on the shared listening socket.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindUDP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    laddr, err := net.ResolveUDPAddr("udp", address)
    if err != nil { return nil, err }
    c, err := net.ListenUDP("udp", laddr)
    if err != nil { return nil, err }
    ul := &listener{
        conn:     c,
        sessions: make(map[string]*session),
        newCh:    make(chan *session, 8),
        closeCh:  make(chan struct{}),
    }
    go ul.readLoop()
    go func() { <-ctx.Done(); _ = ul.Close() }()
    return ul, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
    raddr, err := net.ResolveUDPAddr("udp", address)
    if err != nil { return nil, err }
    c, err := net.DialUDP("udp", nil, raddr)
    if err != nil { return nil, err }
    if peer.Addr == "" { peer.Addr = address }
    s := newSession(peer, c, raddr)
    s.owned = true
    go s.recvLoop()
    return s, nil
}

// ---- Listener/demux ----

type listener struct {
    conn     *net.UDPConn
    mu       sync.Mutex
    sessions map[string]*session
    newCh    chan *session
    closeCh  chan struct{}
    once     sync.Once
}

func (l *listener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("udp listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    var err error
    l.once.Do(func() {
        close(l.closeCh)
        err = l.conn.Close()
        l.mu.Lock()
        for _, s := range l.sessions { s.markClosed() }
        l.sessions = map[string]*session{}
        l.mu.Unlock()
    })
    return err
}

func (l *listener) forget(key string) {
    l.mu.Lock(); delete(l.sessions, key); l.mu.Unlock()
}

func (l *listener) readLoop() {
    buf := make([]byte, maxDatagram)
    for {
        n, raddr, err := l.conn.ReadFromUDP(buf)
        if err != nil { return }
        key := raddr.String()
        l.mu.Lock()
        s, ok := l.sessions[key]
        if !ok {
            s = newSession(transport.PeerInfo{Addr: key}, l.conn, raddr)
            s.parent = l
            select {
            case l.newCh <- s:
                l.sessions[key] = s
            default:
                // accept backlog full, ignore the sender until it retries
                l.mu.Unlock()
                continue
            }
        }
        pkt := make([]byte, n)
        copy(pkt, buf[:n])
        s.deliver(pkt)
        l.mu.Unlock()
    }
}

// ---- Session ----

type session struct {
    peer   transport.PeerInfo
    conn   *net.UDPConn
    raddr  *net.UDPAddr
    owned  bool      // dialed: the session owns the socket
    parent *listener // accepted: shared listener socket

    rxCh   chan []byte
    closed chan struct{}
    once   sync.Once

    mu            sync.Mutex
    establishedAt time.Time
    lastSeen      time.Time
}

func newSession(peer transport.PeerInfo, c *net.UDPConn, raddr *net.UDPAddr) *session {
    return &session{peer: peer, conn: c, raddr: raddr, rxCh: make(chan []byte, 32), closed: make(chan struct{}), establishedAt: time.Now()}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) TransportKind() transport.Kind { return transport.KindUDP }
func (s *session) LocalAddr() net.Addr           { return s.conn.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.raddr }

func (s *session) Quality() transport.Quality {
    s.mu.Lock(); defer s.mu.Unlock()
    return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

func (s *session) touch() { s.mu.Lock(); s.lastSeen = time.Now(); s.mu.Unlock() }

// deliver queues a datagram, dropping it when the reader is behind.
func (s *session) deliver(pkt []byte) {
    select {
    case s.rxCh <- pkt:
    default:
    }
}

func (s *session) recvLoop() {
    buf := make([]byte, maxDatagram)
    for {
        n, err := s.conn.Read(buf)
        if err != nil {
            s.markClosed()
            return
        }
        pkt := make([]byte, n)
        copy(pkt, buf[:n])
        s.deliver(pkt)
    }
}

func (s *session) SendBytes(b []byte) error {
    select {
    case <-s.closed:
        return errClosed
    default:
    }
    var err error
    if s.owned {
        _, err = s.conn.Write(b)
    } else {
        _, err = s.conn.WriteToUDP(b, s.raddr)
    }
    if err == nil { s.touch() }
    return err
}

func (s *session) RecvBytes() ([]byte, error) {
    select {
    case pkt := <-s.rxCh:
        s.touch()
        return pkt, nil
    case <-s.closed:
        return nil, errClosed
    }
}

func (s *session) markClosed() { s.once.Do(func() { close(s.closed) }) }

func (s *session) Close() error {
    s.markClosed()
    if s.owned { return s.conn.Close() }
    if s.parent != nil { s.parent.forget(s.raddr.String()) }
    return nil
}
