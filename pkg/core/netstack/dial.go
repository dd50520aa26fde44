package netstack

import (
    "context"
    "math/rand"
    "time"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/config"
    "github.com/JosefGst/fruitymesh/pkg/transport"
)

// dialLoop keeps one outbound link up: it dials with exponential backoff,
// attaches the session and redials after the link goes away.
func dialLoop(ctx context.Context, tr transport.Transport, mgr *transport.Manager, d config.PeerDialConfig, opts Options) {
    peer := transport.PeerInfo{Addr: d.Address, Name: d.Name}

    initial := opts.BackoffInitial
    if initial <= 0 { initial = 500 * time.Millisecond }
    maxBackoff := opts.BackoffMax
    if maxBackoff <= 0 { maxBackoff = 30 * time.Second }
    backoff := initial

    for {
        sess, err := tr.Dial(ctx, d.Address, peer)
        if err != nil {
            if ctx.Err() != nil { return }
            zap.L().Warn("dial failed", zap.String("kind", tr.Kind().String()), zap.String("addr", d.Address), zap.Error(err))
            if !sleep(ctx, withJitter(backoff, opts.BackoffJitter)) { return }
            backoff = nextBackoff(backoff, maxBackoff)
            continue
        }
        backoff = initial

        id, err := mgr.Attach(sess)
        if err != nil { return }
        zap.L().Info("dialed", zap.String("kind", tr.Kind().String()), zap.String("addr", d.Address), zap.Uint32("conn", uint32(id)))
        select {
        case <-ctx.Done():
            return
        case <-mgr.Done(id):
        }
        if !sleep(ctx, withJitter(backoff, opts.BackoffJitter)) { return }
    }
}

func nextBackoff(cur, max time.Duration) time.Duration {
    if cur >= max { return max }
    cur *= 2
    if cur > max { cur = max }
    return cur
}

func sleep(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}

func withJitter(d, jitter time.Duration) time.Duration {
    if jitter <= 0 { return d }
    return d + time.Duration(rand.Int63n(int64(jitter)))
}
