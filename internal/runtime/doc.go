// Package runtime runs build stages on containerd.
//
// A [Runtime] connects to a containerd daemon and works in a single
// namespace with a single snapshotter. Base images are pulled from a
// registry or imported from an OCI archive, then unpacked for the target
// platform. Each stage runs in its own container on an active snapshot
// prepared on top of the parent layer chain; after the stage's files are
// copied in and its commands run, the snapshot is diffed into a new layer
// and committed under its chain ID so later stages (and later builds) can
// start from it.
//
// [Runtime.Export] appends the stage layers to the base manifest, sets the
// entrypoint and working directory on the image config, and writes the
// result as an OCI archive. Cached layers are kept alive between builds by
// a long-lived lease managed through [Runtime.Retain] and [Runtime.Release].
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "packd", "overlayfs")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctx, done, err := rt.WithLease(ctx)
//	if err != nil {
//	    return err
//	}
//	defer done(ctx)
//
//	base, err := rt.ResolveBase(ctx, runtime.BaseSource{Ref: "docker.io/library/python:3.10-slim"}, "linux/amd64")
//	if err != nil {
//	    return err
//	}
//
//	layer, err := rt.RunStage(ctx, runtime.StageSpec{
//	    ID:       "build-1-system",
//	    Base:     base,
//	    Commands: []runtime.Command{{Args: []string{"apt-get", "update"}}},
//	})
//	if err != nil {
//	    return err
//	}
//
//	_, err = rt.Export(ctx, runtime.ExportSpec{
//	    Base:       base,
//	    Layers:     []runtime.Layer{layer},
//	    Entrypoint: []string{"python", "main.py"},
//	    Output:     "dist",
//	})
package runtime
