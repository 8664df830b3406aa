package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/leases"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// A filesystem layer: the stored blob and the digest of its uncompressed tar.
type Layer struct {
	Blob   ocispec.Descriptor // Compressed layer blob in the content store.
	DiffID digest.Digest      // Digest of the uncompressed layer tar.
}

// Converts the layer to the form the containerd applier expects.
func (l Layer) rootfs() rootfs.Layer {
	return rootfs.Layer{
		Blob: l.Blob,
		Diff: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayer,
			Digest:    l.DiffID,
		},
	}
}

// Where a base image comes from.
type BaseSource struct {
	Ref     string // Fully qualified registry reference (e.g. docker.io/library/python:3.10-slim).
	Archive string // Path to a local OCI archive. Takes precedence over Ref.
}

// Returns a human-readable name for the source.
func (s BaseSource) String() string {
	if s.Archive != "" {
		return "oci-archive:" + s.Archive
	}
	return s.Ref
}

// A resolved base image for one platform.
type Base struct {
	Name     string           // Image record name in containerd.
	Digest   digest.Digest    // Digest of the image target (index or manifest).
	Platform string           // Normalized platform the layers were selected for.
	Layers   []Layer          // Layer chain, bottom first.
	image    containerd.Image // Platform-bound image handle, nil for synthetic bases.
}

// Returns the diff IDs of the base layers, bottom first.
func (b *Base) DiffIDs() []digest.Digest {
	ids := make([]digest.Digest, len(b.Layers))
	for i, l := range b.Layers {
		ids[i] = l.DiffID
	}
	return ids
}

// Resolves a base image for the target platform.
//
// Registry references are pulled through containerd; archives are imported
// into the content store and tagged under a deterministic name derived from
// the path. In both cases the platform's layers are unpacked into the
// snapshotter so that stages can be prepared on top of them. Resolution
// failures wrap [ErrResolve].
func (rt *Runtime) ResolveBase(ctx context.Context, src BaseSource, platform string) (*Base, error) {
	platform, matcher, err := parsePlatform(platform)
	if err != nil {
		return nil, err
	}

	var name string
	if src.Archive != "" {
		name, err = rt.importBase(ctx, src.Archive)
	} else {
		name, err = rt.pullBase(ctx, src.Ref, platform)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolve, src, err)
	}

	img, err := rt.client.ImageService().Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolve, src, err)
	}

	image := containerd.NewImageWithPlatform(rt.client, img, matcher)
	if err := image.Unpack(ctx, rt.snapshotter); err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrResolve, src, err)
	}

	layers, err := rt.imageLayers(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolve, src, err)
	}

	slog.Debug("base resolved", "source", src.String(), "digest", img.Target.Digest, "platform", platform, "layers", len(layers))

	return &Base{
		Name:     name,
		Digest:   img.Target.Digest,
		Platform: platform,
		Layers:   layers,
		image:    image,
	}, nil
}

// Pulls a registry reference for one platform without unpacking.
func (rt *Runtime) pullBase(ctx context.Context, ref, platform string) (string, error) {
	img, err := rt.client.Pull(ctx, ref,
		containerd.WithPlatform(platform),
		containerd.WithPullSnapshotter(rt.snapshotter),
	)
	if err != nil {
		return "", err
	}
	return img.Name(), nil
}

// Imports an OCI archive and tags it under a name derived from the path.
func (rt *Runtime) importBase(ctx context.Context, path string) (string, error) {
	source, err := rt.importArchive(ctx, path)
	if err != nil {
		return "", err
	}

	tag := imageTag(path)
	if err := rt.tagImage(ctx, source, tag); err != nil {
		return "", err
	}
	return tag, nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives are
// supported (single OCI index with per-platform manifests); platform
// selection happens when the image is bound to a matcher.
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when its
// name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Pairs the platform manifest's layer blobs with the config's diff IDs.
func (rt *Runtime) imageLayers(ctx context.Context, image containerd.Image) ([]Layer, error) {
	manifest, err := images.Manifest(ctx, rt.client.ContentStore(), image.Target(), image.Platform())
	if err != nil {
		return nil, err
	}

	diffIDs, err := image.RootFS(ctx)
	if err != nil {
		return nil, err
	}

	if len(diffIDs) != len(manifest.Layers) {
		return nil, fmt.Errorf("manifest has %d layers but config lists %d diff ids", len(manifest.Layers), len(diffIDs))
	}

	layers := make([]Layer, len(diffIDs))
	for i := range diffIDs {
		layers[i] = Layer{Blob: manifest.Layers[i], DiffID: diffIDs[i]}
	}
	return layers, nil
}

// Reports whether the layer's blob is still present in the content store.
func (rt *Runtime) HasLayer(ctx context.Context, layer Layer) (bool, error) {
	if _, err := rt.client.ContentStore().Info(ctx, layer.Blob.Digest); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return true, nil
}

// Adds a layer's blob and committed snapshot to the cache lease so they
// survive garbage collection between builds.
//
// chainID names the snapshot the layer was committed as: the chain ID of the
// diff IDs from the bottom of the image up to and including the layer. An
// empty chainID retains the blob only.
func (rt *Runtime) Retain(ctx context.Context, chainID digest.Digest, layer Layer) error {
	lease, err := rt.cacheLease(ctx)
	if err != nil {
		return fmt.Errorf("%w: cache lease: %v", ErrRuntime, err)
	}

	ls := rt.client.LeasesService()
	for _, res := range rt.layerResources(chainID, layer) {
		if err := ls.AddResource(ctx, lease, res); err != nil && !errdefs.IsAlreadyExists(err) {
			return fmt.Errorf("%w: retain %s: %v", ErrRuntime, res.ID, err)
		}
	}
	return nil
}

// Removes a layer from the cache lease, making it eligible for garbage
// collection once no image or build references it.
func (rt *Runtime) Release(ctx context.Context, chainID digest.Digest, layer Layer) error {
	lease, err := rt.cacheLease(ctx)
	if err != nil {
		return fmt.Errorf("%w: cache lease: %v", ErrRuntime, err)
	}

	ls := rt.client.LeasesService()
	for _, res := range rt.layerResources(chainID, layer) {
		if err := ls.DeleteResource(ctx, lease, res); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: release %s: %v", ErrRuntime, res.ID, err)
		}
	}
	return nil
}

// Returns the content and snapshot resources that make up a cached layer.
// An empty blob digest or chain ID leaves that resource out.
func (rt *Runtime) layerResources(chainID digest.Digest, layer Layer) []leases.Resource {
	var res []leases.Resource
	if layer.Blob.Digest != "" {
		res = append(res, leases.Resource{ID: layer.Blob.Digest.String(), Type: "content"})
	}
	if chainID != "" {
		res = append(res, leases.Resource{
			ID:   chainID.String(),
			Type: "snapshots/" + rt.snapshotter,
		})
	}
	return res
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed to produce a tag that is always valid for OCI references
// regardless of which characters the path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}
