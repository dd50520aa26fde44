package mem

import (
    "context"
    "errors"
    "net"
    "sync"

    "github.com/JosefGst/fruitymesh/pkg/transport"
)

// Transport is an in-process transport using net.Pipe. Listener names are
// scoped to one Transport value, so tests can build whole meshes in memory.
type Transport struct {
    mu        sync.Mutex
    listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
    t.mu.Lock(); defer t.mu.Unlock()
    if _, ok := t.listeners[name]; ok {
        return nil, errors.New("mem: listener already exists")
    }
    l := &listener{name: name, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    t.listeners[name] = l
    go func() { <-ctx.Done(); _ = l.Close(); t.mu.Lock(); delete(t.listeners, name); t.mu.Unlock() }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
    t.mu.Lock(); l := t.listeners[name]; t.mu.Unlock()
    if l == nil { return nil, errors.New("mem: no such listener") }
    select {
    case <-l.closeCh:
        return nil, errors.New("mem listener closed")
    default:
    }
    c1, c2 := net.Pipe()
    srv, cli := newSession(transport.PeerInfo{Addr: "mem:dialer"}, c1), newSession(peer, c2)
    select {
    case l.newCh <- srv:
    case <-l.closeCh:
        _ = cli.Close()
        return nil, errors.New("mem listener closed")
    case <-ctx.Done():
        _ = cli.Close()
        return nil, ctx.Err()
    }
    return cli, nil
}

// Pipe returns two connected sessions. a's Peer() is aPeer.
func Pipe(aPeer, bPeer transport.PeerInfo) (transport.Session, transport.Session) {
    c1, c2 := net.Pipe()
    return newSession(aPeer, c1), newSession(bPeer, c2)
}

type listener struct {
    name    string
    newCh   chan *session
    closeCh chan struct{}
    once    sync.Once
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("mem listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    l.once.Do(func() { close(l.closeCh) })
    return nil
}

type memAddr string
func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type session struct {
    peer transport.PeerInfo
    c    net.Conn
    fc   *transport.FrameConn
}

func newSession(peer transport.PeerInfo, c net.Conn) *session {
    return &session{peer: peer, c: c, fc: transport.NewFrameConn(c)}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) TransportKind() transport.Kind { return transport.KindMem }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }
func (s *session) SendBytes(b []byte) error      { return s.fc.WriteFrame(b) }
func (s *session) RecvBytes() ([]byte, error)    { return s.fc.ReadFrame() }
func (s *session) Quality() transport.Quality    { return s.fc.Quality() }
func (s *session) Close() error                  { return s.fc.Close() }
