package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"

	"github.com/nfrund/parley/internal/archive"
	"github.com/nfrund/parley/internal/channel"
	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/gateway"
	"github.com/nfrund/parley/internal/logging"
	"github.com/nfrund/parley/internal/presence"
	"github.com/nfrund/parley/internal/pubsub"
	"github.com/nfrund/parley/internal/registry"
	"github.com/nfrund/parley/internal/server"
	"github.com/nfrund/parley/internal/websocket"
)

func main() {
	logging.New()

	injector := do.New()

	do.Provide(injector, func(i do.Injector) (*config.Config, error) {
		return config.New()
	})

	do.Provide(injector, func(i do.Injector) (*pubsub.Bus, error) {
		return pubsub.NewBus(), nil
	})

	do.Provide(injector, func(i do.Injector) (gateway.Gateway, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.SurrealURL == "" {
			slog.Info("no SURREAL_URL configured, using in-memory gateway")
			return gateway.NewMemory(), nil
		}
		return gateway.NewSurreal(context.Background(), cfg)
	})

	do.Provide(injector, func(i do.Injector) (*presence.Tracker, error) {
		return presence.New(do.MustInvoke[*pubsub.Bus](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (*registry.Registry, error) {
		return registry.New(do.MustInvoke[*presence.Tracker](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (*channel.Service, error) {
		return channel.NewService(
			do.MustInvoke[gateway.Gateway](i),
			do.MustInvoke[*registry.Registry](i),
			do.MustInvoke[*pubsub.Bus](i),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*websocket.Bridge, error) {
		return websocket.NewBridge(
			do.MustInvoke[*registry.Registry](i),
			do.MustInvoke[*channel.Service](i),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*archive.Archiver, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.ArchiveDir == "" {
			return nil, nil
		}
		a := archive.New(afero.NewOsFs(), cfg.ArchiveDir)
		if err := a.Start(context.Background(), do.MustInvoke[*pubsub.Bus](i)); err != nil {
			return nil, err
		}
		return a, nil
	})

	do.Provide(injector, func(i do.Injector) (*server.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return server.New(cfg, server.Deps{
			Gateway:  do.MustInvoke[gateway.Gateway](i),
			Registry: do.MustInvoke[*registry.Registry](i),
			Tracker:  do.MustInvoke[*presence.Tracker](i),
			Channel:  do.MustInvoke[*channel.Service](i),
			Bridge:   do.MustInvoke[*websocket.Bridge](i),
			Archiver: do.MustInvoke[*archive.Archiver](i),
		}), nil
	})

	srv, err := do.Invoke[*server.Server](injector)
	if err != nil {
		slog.Error("failed to wire server", "error", err)
		os.Exit(1)
	}

	srv.RegisterRoutes()
	srv.Start()
}
