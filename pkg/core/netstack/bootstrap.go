// Package netstack turns the transports section of the configuration into
// listeners and dialers that feed a transport.Manager.
package netstack

import (
    "context"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/config"
    "github.com/JosefGst/fruitymesh/pkg/transport"
    "github.com/JosefGst/fruitymesh/pkg/transport/mem"
    tquic "github.com/JosefGst/fruitymesh/pkg/transport/quic"
    ttcp "github.com/JosefGst/fruitymesh/pkg/transport/tcp"
    "github.com/JosefGst/fruitymesh/pkg/transport/udp"
)

type Options struct {
    BackoffInitial time.Duration
    BackoffMax     time.Duration
    BackoffJitter  time.Duration
    // Mem is the in-process hub used for kind "mem"; nodes sharing one hub
    // can reach each other by listener name.
    Mem *mem.Transport
}

// OptionsFrom maps NetConfig onto Options.
func OptionsFrom(n config.NetConfig) Options {
    i, m, j := n.Backoff()
    return Options{BackoffInitial: i, BackoffMax: m, BackoffJitter: j}
}

// Stats counts the running listeners and dialers.
type Stats struct {
    activeDials     atomic.Int64
    activeListeners atomic.Int64
}

func (s *Stats) ActiveDials() int64     { return s.activeDials.Load() }
func (s *Stats) ActiveListeners() int64 { return s.activeListeners.Load() }

// StartFromConfig builds transports per config, starts listeners and dialers.
// The returned closer stops listeners; dialers stop when ctx is canceled.
// Kinds that cannot be built are logged and skipped.
func StartFromConfig(ctx context.Context, cfg []config.TransportConfig, mgr *transport.Manager, opts Options) (func(), *Stats, error) {
    var closers []func()
    var mu sync.Mutex
    addCloser := func(f func()) { mu.Lock(); defer mu.Unlock(); closers = append(closers, f) }
    st := &Stats{}

    for _, tc := range cfg {
        tr, err := NewByKind(tc.Kind, opts)
        if err != nil {
            zap.L().Warn("transport kind not available", zap.String("kind", tc.Kind), zap.Error(err))
            continue
        }

        for _, addr := range tc.Listen {
            l, err := tr.Listen(ctx, addr)
            if err != nil {
                zap.L().Error("listen failed", zap.String("kind", tr.Kind().String()), zap.String("addr", addr), zap.Error(err))
                continue
            }
            zap.L().Info("listening", zap.String("kind", tr.Kind().String()), zap.String("addr", l.Addr().String()))
            addCloser(func() { _ = l.Close() })
            st.activeListeners.Add(1)
            go func() {
                defer st.activeListeners.Add(-1)
                acceptLoop(ctx, mgr, l)
            }()
        }

        for _, d := range tc.Dial {
            d := d
            st.activeDials.Add(1)
            go func() {
                defer st.activeDials.Add(-1)
                dialLoop(ctx, tr, mgr, d, opts)
            }()
        }
    }

    return func() { mu.Lock(); for i := len(closers) - 1; i >= 0; i-- { closers[i]() }; mu.Unlock() }, st, nil
}

// NewByKind constructs a Transport by string kind.
func NewByKind(kind string, opts Options) (transport.Transport, error) {
    switch kind {
    case "udp":
        return udp.New(), nil
    case "tcp":
        return ttcp.New(), nil
    case "quic":
        return tquic.New()
    case "mem", "inproc":
        if opts.Mem != nil { return opts.Mem, nil }
        return mem.New(), nil
    case "winpipe", "pipe":
        return newWinPipeTransport()
    default:
        return nil, ErrUnknownKind(kind)
    }
}

// Basic typed error for unknown kinds
type ErrUnknownKind string
func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }
