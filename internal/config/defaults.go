package config

import "github.com/cruciblehq/packd/internal/paths"

const (
	defaultContainerdAddress = "/run/containerd/containerd.sock"
	defaultNamespace         = "packd"

	// fuse-overlayfs gives overlay semantics without mount(2), so the daemon
	// can run unprivileged.
	defaultSnapshotter = "fuse-overlayfs"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Containerd: Containerd{
			Address:     defaultContainerdAddress,
			Namespace:   defaultNamespace,
			Snapshotter: defaultSnapshotter,
		},
		Daemon: Daemon{
			Socket: paths.Socket(),
		},
		Cache: Cache{
			Enabled: true,
			Path:    paths.CacheDB(),
		},
	}
}
