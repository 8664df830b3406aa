package build

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cruciblehq/packd/internal/runtime"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// In-memory backend. Layers are derived from stage inputs only, so identical
// inputs always produce identical layers.
type fakeBackend struct {
	mu sync.Mutex

	calls    []string                     // "resolve", "run:<stage>", "export".
	specs    map[string]runtime.StageSpec // Last spec per stage.
	copies   map[string]map[string]string // Copied tar contents per stage.
	blobs    map[digest.Digest]bool       // Blobs the backend holds.
	retained []digest.Digest              // Retained blob digests.
	exported *runtime.ExportSpec

	leases   int
	released int

	resolveErr error
	failStage  string
	failErr    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		specs:  make(map[string]runtime.StageSpec),
		copies: make(map[string]map[string]string),
		blobs:  make(map[digest.Digest]bool),
	}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// Returns the stages RunStage was called for, in order.
func (f *fakeBackend) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.calls {
		if s, ok := strings.CutPrefix(c, "run:"); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeBackend) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.exported = nil
	f.specs = make(map[string]runtime.StageSpec)
	f.copies = make(map[string]map[string]string)
}

func (f *fakeBackend) WithLease(ctx context.Context) (context.Context, func(context.Context) error, error) {
	f.mu.Lock()
	f.leases++
	f.mu.Unlock()

	return ctx, func(context.Context) error {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
		return nil
	}, nil
}

func (f *fakeBackend) ResolveBase(ctx context.Context, src runtime.BaseSource, platform string) (*runtime.Base, error) {
	f.record("resolve")
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	if platform == "" {
		platform = "linux/amd64"
	}
	return &runtime.Base{
		Name:     src.String(),
		Digest:   digest.FromString("base:" + src.String()),
		Platform: platform,
		Layers: []runtime.Layer{{
			Blob:   ocispec.Descriptor{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: digest.FromString("base-blob")},
			DiffID: digest.FromString("base-diff"),
		}},
	}, nil
}

func (f *fakeBackend) HasLayer(ctx context.Context, layer runtime.Layer) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobs[layer.Blob.Digest], nil
}

func (f *fakeBackend) RunStage(ctx context.Context, spec runtime.StageSpec) (runtime.Layer, error) {
	stage := spec.ID[strings.LastIndex(spec.ID, "-")+1:]
	f.record("run:" + stage)

	if stage == f.failStage {
		return runtime.Layer{}, f.failErr
	}

	h := digest.Canonical.Digester()
	w := h.Hash()

	fmt.Fprintf(w, "base=%s\nworkdir=%s\n", spec.Base.Digest, spec.Workdir)
	for _, l := range spec.Parents {
		fmt.Fprintf(w, "parent=%s\n", l.DiffID)
	}
	for _, c := range spec.Commands {
		fmt.Fprintf(w, "cmd=%q env=%q\n", c.Args, c.Env)
	}

	var copied map[string]string
	if spec.Copy != nil {
		var buf bytes.Buffer
		if err := spec.Copy.Write(&buf); err != nil {
			return runtime.Layer{}, err
		}
		var err error
		if copied, err = untar(buf.Bytes()); err != nil {
			return runtime.Layer{}, err
		}
		names := make([]string, 0, len(copied))
		for n := range copied {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(w, "file=%s:%s=%q\n", spec.Copy.Dest, n, copied[n])
		}
	}

	diffID := h.Digest()
	layer := runtime.Layer{
		Blob: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromString("blob:" + diffID.String()),
			Size:      int64(len(spec.Commands) + len(copied)),
		},
		DiffID: diffID,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[stage] = spec
	f.copies[stage] = copied
	f.blobs[layer.Blob.Digest] = true
	return layer, nil
}

func (f *fakeBackend) Export(ctx context.Context, spec runtime.ExportSpec) (*runtime.ExportResult, error) {
	f.record("export")

	h := digest.Canonical.Digester()
	for _, l := range spec.Layers {
		fmt.Fprintf(h.Hash(), "%s\n", l.Blob.Digest)
	}
	fmt.Fprintf(h.Hash(), "%q %s", spec.Entrypoint, spec.Workdir)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported = &spec
	return &runtime.ExportResult{
		Path:     filepath.Join(spec.Output, runtime.ExportFilename),
		Manifest: h.Digest(),
		Config:   digest.FromString("config:" + h.Digest().String()),
	}, nil
}

func (f *fakeBackend) Retain(ctx context.Context, chainID digest.Digest, layer runtime.Layer) error {
	if chainID == "" {
		return errors.New("retain requires a chain id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retained = append(f.retained, layer.Blob.Digest)
	return nil
}

// Drops a blob, as garbage collection would after a prune.
func (f *fakeBackend) forget(d digest.Digest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, d)
}

// Decodes a tar stream into a name -> content map. Directories map to "".
func untar(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		out[h.Name] = string(b)
	}
}
