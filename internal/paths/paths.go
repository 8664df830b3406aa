package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Subdirectory name under each XDG base directory.
	appName = "packd"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Directory for runtime files (sockets, PIDs, locks).
//
//	Linux:   $XDG_RUNTIME_DIR/packd or ~/.cache/packd/run
//	macOS:   ~/Library/Caches/packd/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(xdg.CacheHome, appName, "run")
}

// Default Unix socket the daemon listens on.
func Socket() string {
	return filepath.Join(Runtime(), "packd.sock")
}

// Default PID file written by the daemon.
func PIDFile() string {
	return filepath.Join(Runtime(), "packd.pid")
}

// Lock file held by the running daemon.
func LockFile() string {
	return filepath.Join(Runtime(), "packd.lock")
}

// Default daemon configuration file.
//
//	Linux:   $XDG_CONFIG_HOME/packd/config.toml
func ConfigFile() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.toml")
}

// Default location of the layer cache index.
//
//	Linux:   $XDG_DATA_HOME/packd/cache.db
func CacheDB() string {
	return filepath.Join(xdg.DataHome, appName, "cache.db")
}
