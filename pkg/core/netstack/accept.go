package netstack

import (
    "context"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/transport"
)

func acceptLoop(ctx context.Context, mgr *transport.Manager, l transport.Listener) {
    for {
        s, err := l.Accept(ctx)
        if err != nil {
            select {
            case <-ctx.Done():
                return
            default:
            }
            zap.L().Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
            return
        }
        zap.L().Info("inbound session", zap.String("kind", s.TransportKind().String()), zap.String("raddr", s.Peer().Addr))
        if _, err := mgr.Attach(s); err != nil {
            zap.L().Warn("attach failed", zap.Error(err))
            return
        }
    }
}
