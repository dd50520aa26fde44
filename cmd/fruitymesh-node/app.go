package main

import (
    "context"
    "errors"
    "os"
    "os/signal"
    "path/filepath"
    "syscall"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/config"
    netstack "github.com/JosefGst/fruitymesh/pkg/core/netstack"
    "github.com/JosefGst/fruitymesh/pkg/node"
    "github.com/JosefGst/fruitymesh/pkg/observability"
    "github.com/JosefGst/fruitymesh/pkg/storage"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log, zap.Uint16("node", cfg.NodeID))
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("fruitymesh-node started", zap.String("app", cfg.AppName))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    store, err := storage.NewDir(filepath.Join(cfg.DataDir, "modules"))
    if err != nil {
        zap.L().Error("failed to open module storage", zap.Error(err))
        return 1
    }
    mods, err := factories(cfg.Modules)
    if err != nil {
        zap.L().Error("invalid module list", zap.Error(err))
        return 1
    }

    nopts := node.FromConfig(cfg)
    nopts.Modules = mods
    nopts.Store = store
    nopts.Logger = logger
    n, err := node.New(nopts)
    if err != nil {
        zap.L().Error("failed to build node", zap.Error(err))
        return 1
    }
    defer n.Close()

    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    stop, _, err := netstack.StartFromConfig(ctx, cfg.Transports, n.Manager(), netstack.OptionsFrom(cfg.Net))
    if err != nil {
        zap.L().Error("failed to start transports", zap.Error(err))
        return 1
    }
    defer stop()

    if !opts.NoConsole {
        go console(ctx, os.Stdin, os.Stdout, n)
    }

    zap.L().Info("node is running; press Ctrl+C to exit")
    if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
        zap.L().Error("node loop stopped", zap.Error(err))
        return 1
    }
    zap.L().Info("shutting down")
    return 0
}
