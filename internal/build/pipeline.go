package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cruciblehq/packd/internal/buildctx"
	"github.com/cruciblehq/packd/internal/cache"
	"github.com/cruciblehq/packd/internal/metrics"
	"github.com/cruciblehq/packd/internal/runtime"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/identity"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// State carried from one stage to the next.
type pipeline struct {
	id      string
	be      Backend
	cache   LayerCache
	noCache bool
	plan    *Plan
	log     io.Writer
	metrics *metrics.Collector

	base    *runtime.Base     // Set by the base stage.
	key     digest.Digest     // Key of the filesystem produced so far.
	workdir string            // Working directory, set once the workdir stage completes.
	layers  []runtime.Layer   // Stage layers above the base, bottom first.
	history []runtime.History // History entries for the exported config.
	results []StageResult
}

// Runs every stage in order, stopping at the first failure.
//
// A lease covers the whole run so that snapshots and blobs created by
// earlier stages survive until the export references them.
func (p *pipeline) run(ctx context.Context) error {
	ctx, release, err := p.be.WithLease(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBuild, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release build lease", "id", p.id, "error", err)
		}
	}()

	for _, st := range p.plan.Stages {
		start := time.Now()

		res, err := p.runStage(ctx, st)
		res.Name = st.Name
		res.Duration = time.Since(start)

		if err != nil {
			p.metrics.StageFinished(st.Name, metrics.OutcomeFailed, res.Duration)
			return fmt.Errorf("%w: stage %s: %w", ErrBuild, st.Name, err)
		}

		p.metrics.StageFinished(st.Name, res.Outcome, res.Duration)
		p.results = append(p.results, res)

		slog.Info("stage finished",
			"id", p.id,
			"stage", st.Name,
			"outcome", res.Outcome,
			"duration", res.Duration.Round(time.Millisecond),
		)
	}

	return nil
}

// Dispatches one stage.
func (p *pipeline) runStage(ctx context.Context, st Stage) (StageResult, error) {
	if err := ctx.Err(); err != nil {
		return StageResult{}, err
	}

	switch {
	case st.Name == StageBase:
		return p.resolveBase(ctx)

	case st.Name == StageEntrypoint:
		p.history = append(p.history, runtime.History{CreatedBy: st.Description, EmptyLayer: true})
		return StageResult{Outcome: metrics.OutcomeExecuted, Key: p.key.String()}, nil

	case st.NoOp:
		slog.Debug("stage has nothing to do", "id", p.id, "stage", st.Name, "reason", st.Description)
		return StageResult{Outcome: metrics.OutcomeSkipped, Key: p.key.String()}, nil

	default:
		res, err := p.layerStage(ctx, st)
		if err == nil && st.Name == StageWorkdir {
			p.workdir = p.plan.Recipe.Workdir
		}
		return res, err
	}
}

// Resolves the base image and seeds the key chain with its digest and
// platform.
func (p *pipeline) resolveBase(ctx context.Context) (StageResult, error) {
	base, err := p.be.ResolveBase(ctx, p.plan.Base, p.plan.Platform)
	if err != nil {
		return StageResult{}, fmt.Errorf("%w: %w", ErrResolve, err)
	}

	p.base = base
	p.key = baseKey(base.Digest, base.Platform)

	return StageResult{Outcome: metrics.OutcomeExecuted, Key: p.key.String()}, nil
}

// Produces a stage's layer, from the cache when possible.
func (p *pipeline) layerStage(ctx context.Context, st Stage) (StageResult, error) {
	key := stageKey(p.key, st.Fingerprint)
	res := StageResult{Key: key.String()}

	layer, hit := p.lookup(ctx, st.Name, key)
	if hit {
		res.Outcome = metrics.OutcomeCached
	} else {
		var err error
		layer, err = p.be.RunStage(ctx, runtime.StageSpec{
			ID:       p.id + "-" + st.Name,
			Base:     p.base,
			Parents:  p.layers,
			Workdir:  p.workdir,
			Copy:     st.copy,
			Commands: st.Commands,
			Output:   p.log,
		})
		if err != nil {
			return StageResult{}, classify(st.Name, err)
		}
		res.Outcome = metrics.OutcomeExecuted
		p.record(ctx, st.Name, key, layer)
	}

	p.key = key
	p.layers = append(p.layers, layer)
	p.history = append(p.history, runtime.History{CreatedBy: st.Description})

	res.Layer = layer.Blob.Digest.String()
	res.Size = layer.Blob.Size
	return res, nil
}

// Looks up a cached layer for key. A cache error or a layer whose blob is
// gone counts as a miss.
func (p *pipeline) lookup(ctx context.Context, stage string, key digest.Digest) (runtime.Layer, bool) {
	if p.cache == nil || p.noCache {
		return runtime.Layer{}, false
	}

	e, ok, err := p.cache.Lookup(ctx, key.String())
	if err != nil {
		slog.Warn("cache lookup failed", "stage", stage, "key", key, "error", err)
		return runtime.Layer{}, false
	}
	if !ok {
		return runtime.Layer{}, false
	}

	layer, err := entryLayer(e)
	if err != nil {
		slog.Warn("ignoring malformed cache entry", "stage", stage, "key", key, "error", err)
		return runtime.Layer{}, false
	}

	present, err := p.be.HasLayer(ctx, layer)
	if err != nil || !present {
		slog.Debug("cached layer no longer available", "stage", stage, "key", key, "layer", layer.Blob.Digest, "error", err)
		return runtime.Layer{}, false
	}

	slog.Debug("cache hit", "stage", stage, "key", key, "layer", layer.Blob.Digest)
	return layer, true
}

// Retains a freshly built layer and records it in the cache. Failures only
// cost a future cache hit, so they are logged and the build continues.
func (p *pipeline) record(ctx context.Context, stage string, key digest.Digest, layer runtime.Layer) {
	if p.cache == nil {
		return
	}

	chain := append(p.base.DiffIDs(), diffIDs(p.layers)...)
	chainID := identity.ChainID(append(chain, layer.DiffID))

	if err := p.be.Retain(ctx, chainID, layer); err != nil {
		slog.Warn("failed to retain layer", "stage", stage, "layer", layer.Blob.Digest, "error", err)
		return
	}

	err := p.cache.Store(ctx, cache.Entry{
		Key:       key.String(),
		Stage:     stage,
		Digest:    layer.Blob.Digest.String(),
		DiffID:    layer.DiffID.String(),
		ChainID:   chainID.String(),
		MediaType: layer.Blob.MediaType,
		Size:      layer.Blob.Size,
	})
	if err != nil {
		slog.Warn("failed to record layer in cache", "stage", stage, "key", key, "error", err)
	}
}

// Rebuilds a layer from a cache entry.
func entryLayer(e cache.Entry) (runtime.Layer, error) {
	blob, err := digest.Parse(e.Digest)
	if err != nil {
		return runtime.Layer{}, err
	}
	diffID, err := digest.Parse(e.DiffID)
	if err != nil {
		return runtime.Layer{}, err
	}

	mediaType := e.MediaType
	if mediaType == "" {
		mediaType = ocispec.MediaTypeImageLayerGzip
	}

	return runtime.Layer{
		Blob:   ocispec.Descriptor{MediaType: mediaType, Digest: blob, Size: e.Size},
		DiffID: diffID,
	}, nil
}

func diffIDs(layers []runtime.Layer) []digest.Digest {
	ids := make([]digest.Digest, len(layers))
	for i, l := range layers {
		ids[i] = l.DiffID
	}
	return ids
}

// Attaches the sentinel matching a stage failure.
//
// Workdir and copy failures, and anything the build context reports, are
// filesystem failures. A failing system stage command means a package could
// not be resolved or installed. Other command failures are stage failures.
func classify(stage string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, buildctx.ErrContext), stage == StageWorkdir, stage == StageCopy:
		return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	case stage == StageSystem && errors.Is(err, runtime.ErrCommandFailed):
		return fmt.Errorf("%w: %w: %w", ErrResolve, ErrStageFailed, err)
	case errors.Is(err, runtime.ErrCommandFailed):
		return fmt.Errorf("%w: %w", ErrStageFailed, err)
	default:
		return err
	}
}
