package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/cruciblehq/packd/internal/client"
	"github.com/cruciblehq/packd/internal/paths"
)

// Represents the 'packd stop' command.
type StopCmd struct{}

// Executes the stop command.
//
// Asks the daemon to shut down over its socket. When the socket does not
// answer, the process named in the PID file is sent SIGTERM instead.
func (c *StopCmd) Run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	err = client.New(cfg.Daemon.Socket).Shutdown(ctx)
	if err == nil {
		slog.Info("daemon stopping")
		return nil
	}
	if !errors.Is(err, client.ErrUnavailable) {
		return err
	}

	slog.Debug("socket unavailable, falling back to PID file", "error", err)
	return signalDaemon(paths.PIDFile())
}

// Sends SIGTERM to the PID recorded in pidFile.
func signalDaemon(pidFile string) error {
	pid, err := readPID(pidFile)
	if errors.Is(err, fs.ErrNotExist) {
		return errors.New("packd is not running")
	}
	if err != nil {
		return err
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			os.Remove(pidFile)
			return errors.New("packd is not running (removed stale PID file)")
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	slog.Info("sent SIGTERM to daemon", "pid", pid)
	return nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s", pidFile)
	}
	return pid, nil
}
