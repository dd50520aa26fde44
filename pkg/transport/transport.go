package transport

import (
    "context"
    "net"
    "time"
)

// Kind identifies transport/link type.
type Kind int

const (
    KindUnknown Kind = iota
    KindTCP
    KindUDP
    KindQUIC
    KindWinPipe
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindTCP:
        return "tcp"
    case KindUDP:
        return "udp"
    case KindQUIC:
        return "quic"
    case KindWinPipe:
        return "winpipe"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) Kind {
    switch s {
    case "tcp":
        return KindTCP
    case "udp":
        return KindUDP
    case "quic":
        return KindQUIC
    case "winpipe", "pipe":
        return KindWinPipe
    case "mem":
        return KindMem
    default:
        return KindUnknown
    }
}

// PeerInfo carries addressing hints for the far end of a link.
type PeerInfo struct {
    Addr string // transport-dependent address string
    Name string // optional label from configuration
}

// Quality is a best-effort snapshot of link activity.
type Quality struct {
    EstablishedAt time.Time
    LastSeen      time.Time
}

// Session is one established point-to-point link that carries whole frames.
// Exactly one reader and one writer goroutine are expected.
type Session interface {
    Peer() PeerInfo
    TransportKind() Kind
    LocalAddr() net.Addr
    RemoteAddr() net.Addr

    // SendBytes sends one frame.
    SendBytes([]byte) error
    // RecvBytes blocks for the next frame.
    RecvBytes() ([]byte, error)

    Quality() Quality
    Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
    // Accept blocks until an inbound session is available or ctx is done.
    Accept(ctx context.Context) (Session, error)
    Addr() net.Addr
    // Close stops the listener and unblocks Accept.
    Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
    Kind() Kind
    Listen(ctx context.Context, address string) (Listener, error)
    Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}

// ConnID is the opaque handle of an attached session.
type ConnID uint32

// ConnLocal names "no connection": frames originated by this node.
const ConnLocal ConnID = 0

type LinkEventKind uint8

const (
    LinkConnected LinkEventKind = iota + 1
    LinkDisconnected
)

func (k LinkEventKind) String() string {
    switch k {
    case LinkConnected:
        return "connected"
    case LinkDisconnected:
        return "disconnected"
    default:
        return "unknown"
    }
}

// LinkEvent reports a connection appearing or going away.
type LinkEvent struct {
    Conn      ConnID
    Kind      LinkEventKind
    Transport Kind
    Peer      PeerInfo
    Err       error // cause of a disconnect, nil on orderly close
}

// Sink receives everything the Manager reads. Implementations must not
// retain frame beyond the call unless they own it (the Manager never reuses it).
type Sink interface {
    HandleFrame(from ConnID, frame []byte)
    HandleLinkEvent(ev LinkEvent)
}
