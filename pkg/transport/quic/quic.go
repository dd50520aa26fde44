package quic

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "errors"
    "io"
    "math/big"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "github.com/JosefGst/fruitymesh/pkg/transport"
)

const alpn = "fruitymesh"

// Transport implements QUIC-based sessions carrying length-prefixed frames on
// one bidirectional stream per connection. The dialer opens the stream and
// writes a keepalive so the listener side can accept it right away.
type Transport struct {
    tlsConf  *tls.Config
    quicConf *quicgo.Config
}

func New() (*Transport, error) {
    // Ephemeral self-signed certificate; links are not authenticated.
    cert, err := selfSignedCert()
    if err != nil { return nil, err }
    tlsConf := &tls.Config{
        Certificates: []tls.Certificate{cert},
        NextProtos:   []string{alpn},
        MinVersion:   tls.VersionTLS13,
    }
    qconf := &quicgo.Config{KeepAlivePeriod: 15 * time.Second, MaxIdleTimeout: time.Minute}
    return &Transport{tlsConf: tlsConf, quicConf: qconf}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
    if err != nil { return nil, err }
    ql := &listener{laddr: l.Addr(), closeFn: l.Close, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go func() {
        for {
            conn, err := l.Accept(ctx)
            if err != nil { return }
            go func() {
                st, err := conn.AcceptStream(ctx)
                if err != nil {
                    _ = conn.CloseWithError(0, "no stream")
                    return
                }
                s := newSession(transport.PeerInfo{Addr: conn.RemoteAddr().String()}, conn.LocalAddr(), conn.RemoteAddr(), st,
                    func() error { return conn.CloseWithError(0, "") })
                select {
                case ql.newCh <- s:
                case <-ql.closeCh:
                    _ = s.Close()
                }
            }()
        }
    }()
    go func() { <-ctx.Done(); _ = ql.Close() }()
    return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
    // Server certificates are ephemeral and never verified.
    tlsClient := &tls.Config{
        InsecureSkipVerify: true,
        NextProtos:         []string{alpn},
        MinVersion:         tls.VersionTLS13,
    }
    conn, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
    if err != nil { return nil, err }
    st, err := conn.OpenStreamSync(ctx)
    if err != nil {
        _ = conn.CloseWithError(0, "")
        return nil, err
    }
    if peer.Addr == "" { peer.Addr = address }
    s := newSession(peer, conn.LocalAddr(), conn.RemoteAddr(), st, func() error { return conn.CloseWithError(0, "") })
    if err := s.fc.WriteKeepalive(); err != nil {
        _ = s.Close()
        return nil, err
    }
    return s, nil
}

// ---- Listener ----

type listener struct {
    laddr   net.Addr
    closeFn func() error
    newCh   chan *session
    closeCh chan struct{}
    once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.laddr }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("quic listener closed")
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    var err error
    l.once.Do(func() { close(l.closeCh); err = l.closeFn() })
    return err
}

// ---- Session ----

type session struct {
    peer         transport.PeerInfo
    local, remote net.Addr
    fc           *transport.FrameConn
    closeConn    func() error
    once         sync.Once
}

func newSession(peer transport.PeerInfo, local, remote net.Addr, st io.ReadWriteCloser, closeConn func() error) *session {
    return &session{peer: peer, local: local, remote: remote, fc: transport.NewFrameConn(st), closeConn: closeConn}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr           { return s.local }
func (s *session) RemoteAddr() net.Addr          { return s.remote }
func (s *session) SendBytes(b []byte) error      { return s.fc.WriteFrame(b) }
func (s *session) RecvBytes() ([]byte, error)    { return s.fc.ReadFrame() }
func (s *session) Quality() transport.Quality    { return s.fc.Quality() }

func (s *session) Close() error {
    var err error
    s.once.Do(func() {
        _ = s.fc.Close()
        err = s.closeConn()
    })
    return err
}

// ---- Helpers ----

// selfSignedCert generates a short-lived self-signed TLS certificate for local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { return tls.Certificate{}, err }
    tmpl := x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil { return tls.Certificate{}, err }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
