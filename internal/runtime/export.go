package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/platforms"
	"github.com/cruciblehq/packd/internal/paths"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Filename of the OCI archive produced by Export.
const ExportFilename = "image.tar"

// One image history entry.
type History struct {
	CreatedBy  string // Description of the stage that produced the entry.
	EmptyLayer bool   // True for config-only stages that add no layer.
}

// Describes the image to export.
type ExportSpec struct {
	Name       string    // Reference annotated on the archive entry.
	Base       *Base     // Resolved base image.
	Layers     []Layer   // Stage layers appended to the base, bottom first.
	History    []History // History entries appended to the base history.
	Entrypoint []string  // Image entrypoint. Cmd is cleared.
	Workdir    string    // Image working directory.
	Output     string    // Directory the archive is written to.
}

// Result of an export.
type ExportResult struct {
	Path     string        // Path of the written archive.
	Manifest digest.Digest // Digest of the exported platform manifest.
	Config   digest.Digest // Digest of the exported image config.
}

// Writes the base image plus the stage layers as an OCI archive.
//
// The base manifest and config for the target platform are read, the stage
// layers and diff IDs are appended, and the entrypoint, working directory,
// and history are set on the config. The mutated manifest, config, and
// (when the base root is an index) a single-entry index are written to the
// content store as ephemeral blobs under a lease and referenced only by the
// export. The stored base image record is never modified. Identical inputs
// produce identical manifest and config digests.
func (rt *Runtime) Export(ctx context.Context, spec ExportSpec) (*ExportResult, error) {
	if spec.Base == nil {
		return nil, fmt.Errorf("%w: export requires a base", ErrRuntime)
	}

	ctx, done, err := rt.client.WithLease(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	defer done(context.WithoutCancel(ctx))

	ex := &exporter{client: rt.client, store: rt.client.ContentStore(), platform: spec.Base.Platform}

	name := spec.Name
	if name == "" {
		name = spec.Base.Name
	}

	var manifestDesc, configDesc ocispec.Descriptor
	target, err := ex.buildExportTarget(ctx, spec.Base.Name, name, func(m *ocispec.Manifest, c *ocispec.Image) {
		applyStages(m, c, spec)
	}, &manifestDesc, &configDesc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	if err := os.MkdirAll(spec.Output, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	path := filepath.Join(spec.Output, ExportFilename)
	if err := ex.writeArchive(ctx, target, name, path); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrRuntime, path, err)
	}

	slog.Info("image exported", "path", path, "manifest", manifestDesc.Digest)

	return &ExportResult{Path: path, Manifest: manifestDesc.Digest, Config: configDesc.Digest}, nil
}

// Appends the stage layers to the manifest and applies the stage results to
// the image config.
func applyStages(m *ocispec.Manifest, c *ocispec.Image, spec ExportSpec) {
	for _, l := range spec.Layers {
		m.Layers = append(m.Layers, l.Blob)
		c.RootFS.DiffIDs = append(c.RootFS.DiffIDs, l.DiffID)
	}

	for _, h := range spec.History {
		c.History = append(c.History, ocispec.History{
			CreatedBy:  h.CreatedBy,
			Comment:    "packd",
			EmptyLayer: h.EmptyLayer,
		})
	}

	if len(spec.Entrypoint) > 0 {
		c.Config.Entrypoint = append([]string(nil), spec.Entrypoint...)
		c.Config.Cmd = nil
	}
	if spec.Workdir != "" {
		c.Config.WorkingDir = spec.Workdir
	}
}

// Reads and rewrites image blobs for a single platform.
type exporter struct {
	client   *containerd.Client
	store    content.Store
	platform string
}

// Writes the image to an OCI tar archive at the given path.
//
// The target descriptor is exported directly via [archive.WithManifest]
// rather than looking up the image by name, which lets ephemeral content be
// exported without an image record. Only the manifest matching the platform
// is included.
func (e *exporter) writeArchive(ctx context.Context, target ocispec.Descriptor, name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	p, err := platforms.Parse(e.platform)
	if err != nil {
		return err
	}

	if err := e.client.Export(ctx, f,
		archive.WithManifest(target, name),
		archive.WithPlatform(platforms.Only(p)),
	); err != nil {
		return err
	}
	return f.Close()
}

// Builds the export target descriptor by applying a mutation to the image's
// manifest and config. The written manifest and config descriptors are stored
// in manifestOut and configOut.
func (e *exporter) buildExportTarget(ctx context.Context, imageName, ref string, mutate func(*ocispec.Manifest, *ocispec.Image), manifestOut, configOut *ocispec.Descriptor) (ocispec.Descriptor, error) {
	img, err := e.client.ImageService().Get(ctx, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	target, index, err := e.resolveManifestDescriptor(ctx, img.Target, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest, config, err := e.mutateManifest(ctx, target, ref, mutate)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	*manifestOut, *configOut = manifest, config

	if index == nil {
		return manifest, nil
	}

	// Other platforms' layers are usually absent from the content store, so
	// the exported index carries only the rewritten manifest.
	index.Manifests = []ocispec.Descriptor{manifest}
	return e.writeBlob(ctx, img.Target.MediaType, index, ref+"-index", content.WithLabels(indexGCLabels(*index)))
}

// Resolves the image root descriptor to the platform manifest.
//
// If the root is an index, the manifest matching the platform is selected.
// Some registries serve index entries without platform metadata; those are
// probed by reading their config, the same fallback images.Manifest uses.
// Returns the manifest descriptor and the index (nil when the root is
// already a manifest). The returned manifest descriptor carries the platform
// so the archive exporter can filter on it.
func (e *exporter) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, *ocispec.Index, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, nil
	}

	idx, err := e.readIndex(ctx, root)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	p, err := platforms.Parse(e.platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	if i, ok := e.matchManifest(ctx, idx, platforms.OnlyStrict(p)); ok {
		return idx.Manifests[i], &idx, nil
	}

	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%w: %s", ErrEmptyIndex, imageName)
	}
	return idx.Manifests[0], &idx, nil
}

// Searches the index for a manifest matching the given platform.
func (e *exporter) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := e.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Returns the platform declared in a manifest's config.
func (e *exporter) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	var manifest ocispec.Manifest
	if err := e.readJSON(ctx, desc, &manifest); err != nil {
		return ocispec.Platform{}, false
	}
	var config ocispec.Image
	if err := e.readJSON(ctx, manifest.Config, &config); err != nil {
		return ocispec.Platform{}, false
	}
	return config.Platform, true
}

// Reads the manifest and config, applies the mutation, and writes the
// updated blobs back to the content store. Returns the new manifest and
// config descriptors.
func (e *exporter) mutateManifest(ctx context.Context, target ocispec.Descriptor, ref string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, ocispec.Descriptor, error) {
	var manifest ocispec.Manifest
	if err := e.readJSON(ctx, target, &manifest); err != nil {
		return ocispec.Descriptor{}, ocispec.Descriptor{}, err
	}

	var config ocispec.Image
	if err := e.readJSON(ctx, manifest.Config, &config); err != nil {
		return ocispec.Descriptor{}, ocispec.Descriptor{}, err
	}

	mutate(&manifest, &config)

	configDesc, err := e.writeBlob(ctx, manifest.Config.MediaType, config, ref+"-config")
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Descriptor{}, err
	}
	manifest.Config = configDesc

	manifestDesc, err := e.writeBlob(ctx, target.MediaType, manifest, ref+"-manifest", content.WithLabels(manifestGCLabels(manifest)))
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Descriptor{}, err
	}
	manifestDesc.Platform = target.Platform
	if manifestDesc.Platform == nil {
		manifestDesc.Platform = &ocispec.Platform{
			OS:           config.OS,
			Architecture: config.Architecture,
			Variant:      config.Variant,
		}
	}

	return manifestDesc, configDesc, nil
}

// Loads a JSON blob from the content store.
func (e *exporter) readJSON(ctx context.Context, desc ocispec.Descriptor, v any) error {
	b, err := content.ReadBlob(ctx, e.store, desc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Loads an OCI image index from the content store.
func (e *exporter) readIndex(ctx context.Context, desc ocispec.Descriptor) (ocispec.Index, error) {
	var idx ocispec.Index
	if err := e.readJSON(ctx, desc, &idx); err != nil {
		return ocispec.Index{}, err
	}
	return idx, nil
}

// Serializes a value and writes it to the content store, returning the
// descriptor that references the stored blob.
func (e *exporter) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, e.store, ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Computes containerd GC reference labels for a manifest's children.
//
// These labels allow containerd's garbage collector to trace reachability
// from the manifest blob to its config and layer blobs.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		key := fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)
		labels[key] = layer.Digest.String()
	}
	return labels
}

// Computes containerd GC reference labels for an index's children.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		key := fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)
		labels[key] = m.Digest.String()
	}
	return labels
}
