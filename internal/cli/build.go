package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cruciblehq/packd/internal"
	"github.com/cruciblehq/packd/internal/build"
	"github.com/cruciblehq/packd/internal/cache"
	"github.com/cruciblehq/packd/internal/client"
	"github.com/cruciblehq/packd/internal/config"
	"github.com/cruciblehq/packd/internal/protocol"
	"github.com/cruciblehq/packd/internal/recipe"
	"github.com/cruciblehq/packd/internal/runtime"
	"github.com/cruciblehq/packd/internal/server"
)

// Represents the 'packd build' command.
type BuildCmd struct {
	File     string `short:"f" default:"packd.yaml" help:"Recipe file." placeholder:"PATH"`
	Output   string `short:"o" default:"dist" help:"Directory receiving image.tar." placeholder:"DIR"`
	Tag      string `short:"t" help:"Image reference recorded in the archive. Defaults to localhost/<context dir>:latest."`
	Platform string `help:"Target platform (os/arch[/variant]). Defaults to the recipe's, then the host's."`
	Local    bool   `help:"Build in this process instead of through the daemon."`
	NoCache  bool   `help:"Run every stage even when a cached layer exists."`
	JSON     bool   `name:"json" help:"Print the result as JSON."`
}

// Executes the build command.
func (c *BuildCmd) Run(ctx context.Context) error {
	req, err := c.request()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var res *protocol.BuildResult
	if c.Local {
		res, err = buildLocal(ctx, cfg, req)
	} else {
		res, err = client.New(cfg.Daemon.Socket).Build(ctx, req)
		if errors.Is(err, client.ErrUnavailable) {
			err = fmt.Errorf("%w (start it with 'packd start' or build with --local)", err)
		}
	}
	if err != nil {
		return err
	}

	if c.JSON {
		return writeJSON(stdout, res)
	}
	printBuildResult(stdout, res)
	return nil
}

// Resolves the flags into a request with absolute paths.
func (c *BuildCmd) request() (*protocol.BuildRequest, error) {
	file, err := filepath.Abs(c.File)
	if err != nil {
		return nil, err
	}
	output, err := filepath.Abs(c.Output)
	if err != nil {
		return nil, err
	}
	return &protocol.BuildRequest{
		Recipe:   file,
		Output:   output,
		Tag:      c.Tag,
		Platform: c.Platform,
		NoCache:  c.NoCache,
	}, nil
}

// Runs a build in this process against containerd directly.
func buildLocal(ctx context.Context, cfg *config.Config, req *protocol.BuildRequest) (*protocol.BuildResult, error) {
	r, err := recipe.Load(req.Recipe)
	if err != nil {
		return nil, err
	}

	rt, err := runtime.New(cfg.Containerd.Address, cfg.Containerd.Namespace, cfg.Containerd.Snapshotter)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	opts := build.Options{
		Recipe:   r,
		Platform: req.Platform,
		Output:   req.Output,
		Tag:      req.Tag,
		NoCache:  req.NoCache,
		Log:      stageLog(),
	}

	if cfg.Cache.Enabled {
		store, err := cache.Open(cfg.Cache.Path)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		opts.Cache = store
	}

	res, err := build.Run(ctx, rt, opts)
	if err != nil {
		return nil, err
	}
	return server.BuildResult(res), nil
}

// Stage command output is shown only in verbose or debug mode.
func stageLog() io.Writer {
	if internal.IsVerbose() || internal.IsDebug() {
		return os.Stderr
	}
	return nil
}

func printBuildResult(w io.Writer, res *protocol.BuildResult) {
	rows := make([][]string, 0, len(res.Stages))
	for _, st := range res.Stages {
		layer := "-"
		if st.Layer != "" {
			layer = shortDigest(st.Layer)
		}
		rows = append(rows, []string{st.Name, st.Outcome, layer, formatSize(st.Size), formatDuration(st.Duration)})
	}

	fprintBlock(w, renderTable(
		[]string{"Stage", "Outcome", "Layer", "Size", "Duration"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	))

	fprintBlock(w, renderFields([][2]string{
		{"image", res.Image},
		{"tag", res.Tag},
		{"manifest", res.Manifest},
		{"platform", res.Platform},
		{"duration", formatDuration(res.Duration)},
	}))

	slog.Debug("build result", "id", res.ID, "config", res.Config, "base", res.Base)
}
