package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cruciblehq/packd/internal/client"
	"github.com/cruciblehq/packd/internal/protocol"
)

// Represents the 'packd status' command.
type StatusCmd struct {
	JSON bool `name:"json" help:"Print the status as JSON."`
}

// Executes the status command. An unreachable daemon is reported as not
// running rather than as an error.
func (c *StatusCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	res, err := client.New(cfg.Daemon.Socket).Status(ctx)
	if errors.Is(err, client.ErrUnavailable) {
		res = &protocol.StatusResult{Running: false}
	} else if err != nil {
		return err
	}

	if c.JSON {
		return writeJSON(stdout, res)
	}

	if !res.Running {
		fmt.Fprintf(stdout, "packd is not running (socket %s)\n", cfg.Daemon.Socket)
		return nil
	}

	fprintBlock(stdout, renderFields(statusFields(res)))
	return nil
}

func statusFields(res *protocol.StatusResult) [][2]string {
	containerd := res.Containerd
	if containerd == "" {
		containerd = "unreachable"
	}

	fields := [][2]string{
		{"version", res.Version},
		{"pid", strconv.Itoa(res.Pid)},
		{"uptime", res.Uptime},
		{"builds", fmt.Sprintf("%d ok, %d failed, %d running", res.Builds, res.Failed, res.Active)},
		{"containerd", containerd},
		{"namespace", res.Namespace},
		{"snapshotter", res.Snapshotter},
	}

	if res.Cache != nil {
		fields = append(fields, [2]string{"cache", fmt.Sprintf("%d layers, %s (%s)", res.Cache.Entries, formatSize(res.Cache.Bytes), res.Cache.Path)})
	} else {
		fields = append(fields, [2]string{"cache", "disabled"})
	}

	if res.Metrics != "" {
		fields = append(fields, [2]string{"metrics", "http://" + res.Metrics + "/metrics"})
	}
	return fields
}
