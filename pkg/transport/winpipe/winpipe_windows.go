//go:build windows

package winpipe

import (
    "context"
    "errors"
    "net"
    "sync"

    "github.com/Microsoft/go-winio"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

// Transport links nodes on one Windows host over named pipes
// (addresses look like \\.\pipe\fruitymesh-1).
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

func (t *Transport) Listen(ctx context.Context, pipeName string) (transport.Listener, error) {
    l, err := winio.ListenPipe(pipeName, &winio.PipeConfig{MessageMode: false})
    if err != nil { return nil, err }
    wl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go wl.acceptLoop()
    go func() { <-ctx.Done(); _ = wl.Close() }()
    return wl, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string, peer transport.PeerInfo) (transport.Session, error) {
    conn, err := winio.DialPipeContext(ctx, pipeName)
    if err != nil { return nil, err }
    if peer.Addr == "" { peer.Addr = pipeName }
    return newSession(peer, conn), nil
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
        return nil, errors.New("winpipe listener closed")
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
    return &session{peer: peer, c: c, fc: transport.NewFrameConn(c)}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) TransportKind() transport.Kind { return transport.KindWinPipe }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }
func (s *session) SendBytes(b []byte) error      { return s.fc.WriteFrame(b) }
func (s *session) RecvBytes() ([]byte, error)    { return s.fc.ReadFrame() }
func (s *session) Quality() transport.Quality    { return s.fc.Quality() }
func (s *session) Close() error                  { return s.fc.Close() }
