package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/packd/internal/server"
)

// Represents the 'packd start' command.
type StartCmd struct{}

// Executes the start command.
//
// Starts the daemon on its Unix socket and blocks until the context is
// cancelled (e.g. via SIGINT or SIGTERM) or a client requests shutdown.
func (c *StartCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{Config: cfg})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("packd is running", "socket", cfg.Daemon.Socket, "cache", cfg.Cache.Enabled)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case <-srv.Done():
	}

	return srv.Stop()
}
