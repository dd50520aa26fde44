package tcp

import (
    "context"
    "errors"
    "net"
    "sync"

    "github.com/JosefGst/fruitymesh/pkg/transport"
)

// Transport implements a stream-based TCP transport with length-prefixed frames (u32 LE).
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    l, err := net.Listen("tcp", address)
    if err != nil { return nil, err }
    tl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go tl.acceptLoop()
    go func() { <-ctx.Done(); _ = tl.Close() }()
    return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
    d := &net.Dialer{}
    c, err := d.DialContext(ctx, "tcp", address)
    if err != nil { return nil, err }
    if peer.Addr == "" { peer.Addr = address }
    return newSession(peer, c), nil
}

type listener struct {
    l       net.Listener
    newCh   chan *session
    closeCh chan struct{}
    once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("tcp listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    var err error
    l.once.Do(func() { close(l.closeCh); err = l.l.Close() })
    return err
}

func (l *listener) acceptLoop() {
    for {
        c, err := l.l.Accept()
        if err != nil { return }
        s := newSession(transport.PeerInfo{Addr: c.RemoteAddr().String()}, c)
        select {
        case l.newCh <- s:
        case <-l.closeCh:
            _ = s.Close()
            return
        }
    }
}

type session struct {
    peer transport.PeerInfo
    c    net.Conn
    fc   *transport.FrameConn
}

func newSession(peer transport.PeerInfo, c net.Conn) *session {
    if tc, ok := c.(*net.TCPConn); ok { _ = tc.SetNoDelay(true) }
    return &session{peer: peer, c: c, fc: transport.NewFrameConn(c)}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) TransportKind() transport.Kind { return transport.KindTCP }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }
func (s *session) SendBytes(b []byte) error      { return s.fc.WriteFrame(b) }
func (s *session) RecvBytes() ([]byte, error)    { return s.fc.ReadFrame() }
func (s *session) Quality() transport.Quality    { return s.fc.Quality() }
func (s *session) Close() error                  { return s.fc.Close() }
