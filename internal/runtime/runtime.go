package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/leases"
	"github.com/containerd/platforms"
)

const (

	// OCI runtime shim for running build containers.
	ociRuntime = "io.containerd.runc.v2"

	// Long-lived lease that keeps cached layers out of garbage collection.
	cacheLeaseID = "packd-cache"
)

// Manages the containerd client and provides image, snapshot, and container
// operations for the build pipeline.
type Runtime struct {
	client      *containerd.Client // Containerd client scoped to the packd namespace.
	snapshotter string             // Snapshotter used for base unpacking and stage filesystems.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// snapshotter is used for every filesystem the runtime prepares; it must be
// the same across builds for cached layers to be reused without re-applying
// them. The runtime must be closed when no longer needed.
func New(address, namespace, snapshotter string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrRuntime, address, err)
	}
	return &Runtime{client: client, snapshotter: snapshotter}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Returns the name of the snapshotter in use.
func (rt *Runtime) Snapshotter() string {
	return rt.snapshotter
}

// Returns the version string reported by the containerd daemon.
func (rt *Runtime) Version(ctx context.Context) (string, error) {
	v, err := rt.client.Version(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return v.Version, nil
}

// Acquires a lease covering all content and snapshots created with the
// returned context.
//
// The build pipeline holds one lease for the duration of a build so that
// intermediate snapshots and freshly written layer blobs survive until they
// are either exported or retained by the cache lease. The release function
// must be called once the build finishes.
func (rt *Runtime) WithLease(ctx context.Context) (context.Context, func(context.Context) error, error) {
	ctx, done, err := rt.client.WithLease(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: acquire lease: %v", ErrRuntime, err)
	}
	return ctx, done, nil
}

// Returns the cache lease, creating it on first use.
func (rt *Runtime) cacheLease(ctx context.Context) (leases.Lease, error) {
	ls := rt.client.LeasesService()

	existing, err := ls.List(ctx, fmt.Sprintf("id==%s", cacheLeaseID))
	if err != nil {
		return leases.Lease{}, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	return ls.Create(ctx, leases.WithID(cacheLeaseID))
}

// Returns the default OCI platform for the host architecture.
func DefaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}

// Parses a platform string, defaulting to the host platform when empty.
func parsePlatform(platform string) (string, platforms.MatchComparer, error) {
	if platform == "" {
		platform = DefaultPlatform()
	}
	p, err := platforms.Parse(platform)
	if err != nil {
		return "", nil, fmt.Errorf("%w: platform %q: %v", ErrRuntime, platform, err)
	}
	return platforms.Format(p), platforms.Only(p), nil
}
