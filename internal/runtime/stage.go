package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/snapshots"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/identity"
)

// Describes a single stage run.
type StageSpec struct {
	ID       string    // Unique ID for the stage container and its active snapshot.
	Base     *Base     // Resolved base image.
	Parents  []Layer   // Stage layers below this one, bottom first.
	Workdir  string    // Working directory for commands. Empty uses the image default.
	Copy     *CopySpec // Files extracted into the filesystem before the commands run.
	Commands []Command // Commands run in order. Any non-zero exit fails the stage.
	Output   io.Writer // Receives command output. Nil discards it.
}

// A tar stream to extract into a stage filesystem.
type CopySpec struct {
	Dest  string                  // Absolute directory the stream is extracted into.
	Write func(w io.Writer) error // Writes the tar stream.
}

// Returns the diff ID chain of the stage's parent filesystem.
func (s StageSpec) chain() []digest.Digest {
	chain := s.Base.DiffIDs()
	for _, l := range s.Parents {
		chain = append(chain, l.DiffID)
	}
	return chain
}

// Runs one stage and returns the layer it produced.
//
// The parent filesystem (base plus parent stage layers) is materialized in
// the snapshotter if it is not already there, an active snapshot is prepared
// on top of it, and a container is started on that snapshot. Files are
// copied in, commands run in order, then the container is torn down and the
// snapshot is diffed against its parent to produce the layer. The snapshot
// is committed under the layer's chain ID so later stages and later builds
// can prepare on top of it directly.
//
// The caller's context should carry a lease (see [Runtime.WithLease]) so the
// new blob and snapshot are not collected before they are retained.
func (rt *Runtime) RunStage(ctx context.Context, spec StageSpec) (Layer, error) {
	if spec.Base == nil || spec.Base.image == nil {
		return Layer{}, fmt.Errorf("%w: stage %s has no resolved base", ErrRuntime, spec.ID)
	}

	sn := rt.client.SnapshotService(rt.snapshotter)
	chain := spec.chain()

	parent, err := rt.ensureChain(ctx, sn, spec)
	if err != nil {
		return Layer{}, fmt.Errorf("%w: apply parent layers: %v", ErrRuntime, err)
	}

	key := "packd-" + spec.ID
	if _, err := sn.Prepare(ctx, key, parent); err != nil {
		return Layer{}, fmt.Errorf("%w: prepare snapshot: %v", ErrRuntime, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := sn.Remove(context.WithoutCancel(ctx), key); err != nil && !errdefs.IsNotFound(err) {
				slog.Warn("failed to remove stage snapshot", "key", key, "error", err)
			}
		}
	}()

	if err := rt.runInContainer(ctx, spec, key); err != nil {
		return Layer{}, err
	}

	desc, err := rootfs.CreateDiff(ctx, key, sn, rt.client.DiffService())
	if err != nil {
		return Layer{}, fmt.Errorf("%w: diff snapshot: %v", ErrRuntime, err)
	}

	diffID, err := images.GetDiffID(ctx, rt.client.ContentStore(), desc)
	if err != nil {
		return Layer{}, fmt.Errorf("%w: diff id: %v", ErrRuntime, err)
	}

	name := identity.ChainID(append(chain, diffID)).String()
	if err := sn.Commit(ctx, name, key); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return Layer{}, fmt.Errorf("%w: commit snapshot: %v", ErrRuntime, err)
		}
	} else {
		committed = true
	}

	layer := Layer{Blob: desc, DiffID: diffID}
	slog.Debug("stage committed", "id", spec.ID, "layer", desc.Digest, "diff", diffID, "size", desc.Size)

	return layer, nil
}

// Makes sure the snapshot for the stage's parent chain exists, applying any
// missing layers from the content store, and returns its name.
func (rt *Runtime) ensureChain(ctx context.Context, sn snapshots.Snapshotter, spec StageSpec) (string, error) {
	chain := spec.chain()
	if len(chain) == 0 {
		return "", nil
	}

	name := identity.ChainID(chain).String()
	if _, err := sn.Stat(ctx, name); err == nil {
		return name, nil
	}

	layers := make([]rootfs.Layer, 0, len(spec.Base.Layers)+len(spec.Parents))
	for _, l := range spec.Base.Layers {
		layers = append(layers, l.rootfs())
	}
	for _, l := range spec.Parents {
		layers = append(layers, l.rootfs())
	}

	chainID, err := rootfs.ApplyLayers(ctx, layers, sn, rt.client.DiffService())
	if err != nil {
		return "", err
	}
	return chainID.String(), nil
}

// Starts the stage container, performs the copy and commands, and destroys
// the container. The snapshot is left for the caller to diff.
func (rt *Runtime) runInContainer(ctx context.Context, spec StageSpec, key string) error {
	ctr := &Container{
		client:   rt.client,
		id:       "packd-" + spec.ID,
		platform: spec.Base.Platform,
	}

	if err := ctr.start(ctx, spec.Base.image, rt.snapshotter, key); err != nil {
		return fmt.Errorf("%w: start container: %v", ErrRuntime, err)
	}
	defer ctr.Destroy(context.WithoutCancel(ctx))

	if spec.Copy != nil {
		if err := copyInto(ctx, ctr, spec.Copy); err != nil {
			return err
		}
	}

	for _, cmd := range spec.Commands {
		slog.Debug("exec", "id", spec.ID, "command", cmd.String(), "workdir", spec.Workdir)

		result, err := ctr.Exec(ctx, cmd, spec.Workdir, spec.Output)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return &CommandError{Command: cmd, ExitCode: result.ExitCode, Stderr: result.Stderr}
		}
	}

	return nil
}

// Streams a copy spec into the container through a pipe.
func copyInto(ctx context.Context, ctr *Container, cp *CopySpec) error {
	if err := ctr.MkdirAll(ctx, cp.Dest); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(cp.Write(pw))
	}()

	err := ctr.CopyTo(ctx, pr, cp.Dest)
	pr.Close()
	return err
}

// Returned when a stage command exits with a non-zero code.
type CommandError struct {
	Command  Command // The command that failed.
	ExitCode int     // Its exit code.
	Stderr   string  // Trailing portion of its standard error.
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}
