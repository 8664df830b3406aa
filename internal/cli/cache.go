package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/cruciblehq/packd/internal/cache"
	"github.com/cruciblehq/packd/internal/client"
	"github.com/cruciblehq/packd/internal/protocol"
	"github.com/cruciblehq/packd/internal/server"
)

// Represents the 'packd cache' command group.
type CacheCmd struct {
	Ls    CacheLsCmd    `cmd:"" aliases:"list" help:"List cached layers."`
	Prune CachePruneCmd `cmd:"" help:"Remove cached layers not used recently."`
}

// Represents the 'packd cache ls' command.
type CacheLsCmd struct {
	Local bool `help:"Read the cache index directly instead of asking the daemon."`
	JSON  bool `name:"json" help:"Print entries as JSON."`
}

// Executes the cache ls command.
func (c *CacheLsCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var entries []protocol.CacheEntry
	if c.Local {
		entries, err = listLocal(ctx, cfg.Cache.Path)
	} else {
		var res *protocol.CacheListResult
		if res, err = client.New(cfg.Daemon.Socket).CacheList(ctx); err == nil {
			entries = res.Entries
		}
	}
	if err != nil {
		return err
	}

	if c.JSON {
		return writeJSON(stdout, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(stdout, "cache is empty")
		return nil
	}

	fprintBlock(stdout, renderTable(
		[]string{"Key", "Stage", "Layer", "Size", "Last used"},
		cacheRows(entries),
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

// Reads the index without the daemon. Safe alongside a running daemon since
// the index is in WAL mode.
func listLocal(ctx context.Context, path string) ([]protocol.CacheEntry, error) {
	store, err := cache.Open(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	list, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	return server.CacheEntries(list), nil
}

func cacheRows(entries []protocol.CacheEntry) [][]string {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{shortDigest(e.Key), e.Stage, shortDigest(e.Digest), formatSize(e.Size), formatTime(e.UsedAt)}
	}
	return rows
}

// Represents the 'packd cache prune' command.
type CachePruneCmd struct {
	OlderThan time.Duration `default:"168h" help:"Remove layers not used within this long."`
	All       bool          `help:"Remove every cached layer."`
}

// Executes the cache prune command. Layers are released through the daemon
// so their blobs and snapshots become collectable.
func (c *CachePruneCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	age := c.OlderThan
	if c.All {
		age = 0
	}
	if age < 0 {
		return fmt.Errorf("--older-than must not be negative, got %s", age)
	}

	res, err := client.New(cfg.Daemon.Socket).CachePrune(ctx, age)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "removed %d layers, %s released\n", len(res.Removed), formatSize(res.Bytes))
	return nil
}
