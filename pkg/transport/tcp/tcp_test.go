package tcp

import (
    "context"
    "testing"
    "time"

    "github.com/JosefGst/fruitymesh/pkg/transport"
)

func TestLoopbackFrames(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    tr := New()
    l, err := tr.Listen(ctx, "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    defer l.Close()

    cli, err := tr.Dial(ctx, l.Addr().String(), transport.PeerInfo{Name: "srv"})
    if err != nil { t.Fatalf("dial: %v", err) }
    defer cli.Close()
    srv, err := l.Accept(ctx)
    if err != nil { t.Fatalf("accept: %v", err) }
    defer srv.Close()

    if err := cli.SendBytes([]byte("ping")); err != nil { t.Fatalf("send: %v", err) }
    got, err := srv.RecvBytes()
    if err != nil || string(got) != "ping" { t.Fatalf("recv %q %v", got, err) }
    if err := srv.SendBytes([]byte("pong")); err != nil { t.Fatalf("send back: %v", err) }
    got, err = cli.RecvBytes()
    if err != nil || string(got) != "pong" { t.Fatalf("recv back %q %v", got, err) }
    if cli.TransportKind() != transport.KindTCP || cli.Peer().Addr != l.Addr().String() { t.Fatalf("peer info %+v", cli.Peer()) }
}
