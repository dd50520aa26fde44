package mem

import (
    "bytes"
    "context"
    "testing"
    "time"

    "github.com/JosefGst/fruitymesh/pkg/transport"
)

func TestDialAcceptRoundTrip(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    tr := New()
    l, err := tr.Listen(ctx, "hub")
    if err != nil { t.Fatalf("listen: %v", err) }
    if _, err := tr.Listen(ctx, "hub"); err == nil { t.Fatalf("duplicate listener accepted") }

    accepted := make(chan transport.Session, 1)
    go func() {
        s, err := l.Accept(ctx)
        if err == nil { accepted <- s }
    }()
    cli, err := tr.Dial(ctx, "hub", transport.PeerInfo{Name: "server"})
    if err != nil { t.Fatalf("dial: %v", err) }
    defer cli.Close()
    var srv transport.Session
    select {
    case srv = <-accepted:
    case <-ctx.Done():
        t.Fatalf("accept timed out")
    }
    defer srv.Close()
    if cli.TransportKind() != transport.KindMem || cli.Peer().Name != "server" { t.Fatalf("client peer %+v", cli.Peer()) }

    go func() { _ = cli.SendBytes([]byte{1, 2, 3}) }()
    got, err := srv.RecvBytes()
    if err != nil || !bytes.Equal(got, []byte{1, 2, 3}) { t.Fatalf("server recv %v %v", got, err) }
    go func() { _ = srv.SendBytes([]byte{9}) }()
    got, err = cli.RecvBytes()
    if err != nil || !bytes.Equal(got, []byte{9}) { t.Fatalf("client recv %v %v", got, err) }
}

func TestDialErrors(t *testing.T) {
    ctx := context.Background()
    tr := New()
    if _, err := tr.Dial(ctx, "nobody", transport.PeerInfo{}); err == nil { t.Fatalf("dial without listener succeeded") }
    l, err := tr.Listen(ctx, "closed")
    if err != nil { t.Fatalf("listen: %v", err) }
    _ = l.Close()
    if _, err := tr.Dial(ctx, "closed", transport.PeerInfo{}); err == nil { t.Fatalf("dial to closed listener succeeded") }
}

func TestPipe(t *testing.T) {
    a, b := Pipe(transport.PeerInfo{Name: "a"}, transport.PeerInfo{Name: "b"})
    defer a.Close()
    defer b.Close()
    go func() { _ = a.SendBytes([]byte("hello")) }()
    got, err := b.RecvBytes()
    if err != nil || string(got) != "hello" { t.Fatalf("recv %q %v", got, err) }
    if a.Peer().Name != "a" || b.Peer().Name != "b" { t.Fatalf("peers %+v %+v", a.Peer(), b.Peer()) }
}
