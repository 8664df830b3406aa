package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/packd/internal"
	"github.com/cruciblehq/packd/internal/config"
	"github.com/cruciblehq/packd/internal/logging"
)

// Receives command output. Logs go to stderr.
var stdout io.Writer = os.Stdout

// Represents the root command for packd.
var RootCmd struct {
	Quiet      bool   `short:"q" help:"Suppress informational output."`
	Verbose    bool   `short:"v" help:"Enable verbose output."`
	Debug      bool   `short:"d" help:"Enable debug output."`
	Socket     string `short:"s" help:"Override the daemon Unix socket path." placeholder:"PATH"`
	ConfigFile string `short:"c" name:"config" help:"Daemon configuration file." placeholder:"PATH"`

	Start      StartCmd      `cmd:"" help:"Start the daemon."`
	Build      BuildCmd      `cmd:"" help:"Build an image from a recipe."`
	Plan       PlanCmd       `cmd:"" help:"Show the stages a build would run."`
	Dockerfile DockerfileCmd `cmd:"" help:"Print a Dockerfile equivalent to a recipe."`
	Init       InitCmd       `cmd:"" help:"Write a starter recipe."`
	Status     StatusCmd     `cmd:"" help:"Show daemon status."`
	Stop       StopCmd       `cmd:"" help:"Stop the daemon."`
	Cache      CacheCmd      `cmd:"" help:"Inspect and prune the layer cache."`
	Config     ConfigCmd     `cmd:"" help:"Print the effective daemon configuration."`
	Version    VersionCmd    `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds runnable OCI images from a base image, system packages, a dependency manifest, and an application tree.\n\nBuilds run through the packd daemon or, with --local, in this process."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	internal.ApplyFlags(RootCmd.Quiet, RootCmd.Verbose, RootCmd.Debug)

	logging.Configure(os.Stderr, logging.Options{
		Level:   internal.LogLevel(),
		Verbose: internal.IsDebug(),
		Group:   internal.Name,
	})
}

// Loads the daemon configuration and applies the --socket override.
func loadConfig() (*config.Config, error) {
	cfg, path, found, err := config.Load(RootCmd.ConfigFile)
	if err != nil {
		return nil, err
	}

	if RootCmd.Socket != "" {
		socket, err := filepath.Abs(RootCmd.Socket)
		if err != nil {
			return nil, err
		}
		cfg.Daemon.Socket = socket
	}

	slog.Debug("configuration loaded", "path", path, "found", found)
	return cfg, nil
}
