package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cruciblehq/packd/internal/cache"
	"github.com/cruciblehq/packd/internal/metrics"
	"github.com/cruciblehq/packd/internal/paths"
	"github.com/cruciblehq/packd/internal/recipe"
	"github.com/cruciblehq/packd/internal/requirements"
	"github.com/cruciblehq/packd/internal/runtime"
	"github.com/distribution/reference"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// Executes stages. [*runtime.Runtime] is the production implementation.
type Backend interface {
	WithLease(ctx context.Context) (context.Context, func(context.Context) error, error)
	ResolveBase(ctx context.Context, src runtime.BaseSource, platform string) (*runtime.Base, error)
	HasLayer(ctx context.Context, layer runtime.Layer) (bool, error)
	RunStage(ctx context.Context, spec runtime.StageSpec) (runtime.Layer, error)
	Export(ctx context.Context, spec runtime.ExportSpec) (*runtime.ExportResult, error)
	Retain(ctx context.Context, chainID digest.Digest, layer runtime.Layer) error
}

// Maps stage cache keys to layers. [*cache.Store] is the production
// implementation.
type LayerCache interface {
	Lookup(ctx context.Context, key string) (cache.Entry, bool, error)
	Store(ctx context.Context, e cache.Entry) error
}

// Controls a build.
type Options struct {
	ID       string             // Build ID. Generated when empty.
	Recipe   *recipe.Recipe     // Recipe to build. Ignored when Plan is set.
	Plan     *Plan              // Precomputed plan. Must have been made with Output excluded.
	Platform string             // Overrides the recipe platform.
	Output   string             // Directory for the exported image.
	Tag      string             // Reference recorded in the archive. Derived from the context directory when empty.
	Cache    LayerCache         // Layer cache. Nil disables caching.
	NoCache  bool               // Skip cache lookups; completed stages are still recorded.
	Log      io.Writer          // Receives stage command output. Nil discards it.
	Metrics  *metrics.Collector // Optional metrics sink.
}

// Outcome of one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Outcome  string        `json:"outcome"` // One of the metrics.Outcome* values.
	Key      string        `json:"key,omitempty"`
	Layer    string        `json:"layer,omitempty"` // Layer blob digest.
	Size     int64         `json:"size,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Returned after a successful build.
type Result struct {
	ID           string                     `json:"id"`
	Image        string                     `json:"image"` // Path of the OCI archive.
	Tag          string                     `json:"tag"`
	Manifest     string                     `json:"manifest"`
	Config       string                     `json:"config"`
	Base         string                     `json:"base"` // Base image target digest.
	Platform     string                     `json:"platform"`
	Entrypoint   []string                   `json:"entrypoint"`
	Workdir      string                     `json:"workdir"`
	Stages       []StageResult              `json:"stages"`
	Requirements []requirements.Requirement `json:"requirements,omitempty"`
	Duration     time.Duration              `json:"duration"`
}

// Builds an image.
//
// Stages run strictly in order: base, system, workdir, dependencies, copy,
// entrypoint. Each layer-producing stage is keyed by its parent's key and
// its own inputs; a key found in the cache whose blob is still held by the
// backend is reused instead of running the stage. The final image is
// written to Output/image.tar. Any stage failure aborts the build with an
// error wrapping [ErrBuild] and a more specific sentinel.
func Run(ctx context.Context, be Backend, opts Options) (*Result, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	done := opts.Metrics.BuildStarted()
	res, err := run(ctx, be, opts)
	done(err)
	return res, err
}

func run(ctx context.Context, be Backend, opts Options) (*Result, error) {
	start := time.Now()

	plan := opts.Plan
	if plan == nil {
		var err error
		if plan, err = NewPlan(opts.Recipe, opts.Platform, opts.Output); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBuild, err)
		}
	}

	if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrBuild, ErrFileSystemOperation, err)
	}

	tag := opts.Tag
	if tag == "" {
		tag = DefaultTag(plan.Recipe)
	}

	slog.Info("building image",
		"id", opts.ID,
		"base", plan.Base.String(),
		"platform", plan.Platform,
		"output", opts.Output,
		"tag", tag,
	)

	p := &pipeline{
		id:      opts.ID,
		be:      be,
		cache:   opts.Cache,
		noCache: opts.NoCache,
		plan:    plan,
		log:     opts.Log,
		metrics: opts.Metrics,
	}

	if err := p.run(ctx); err != nil {
		return nil, err
	}

	exported, err := be.Export(ctx, runtime.ExportSpec{
		Name:       tag,
		Base:       p.base,
		Layers:     p.layers,
		History:    p.history,
		Entrypoint: plan.Recipe.Entrypoint,
		Workdir:    plan.Recipe.Workdir,
		Output:     opts.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: export: %w", ErrBuild, err)
	}

	res := &Result{
		ID:         opts.ID,
		Image:      exported.Path,
		Tag:        tag,
		Manifest:   exported.Manifest.String(),
		Config:     exported.Config.String(),
		Base:       p.base.Digest.String(),
		Platform:   p.base.Platform,
		Entrypoint: plan.Recipe.Entrypoint,
		Workdir:    plan.Recipe.Workdir,
		Stages:     p.results,
		Duration:   time.Since(start),
	}
	if plan.Requirements != nil {
		res.Requirements = plan.Requirements.Requirements
	}

	slog.Info("build complete", "id", opts.ID, "image", res.Image, "manifest", res.Manifest, "duration", res.Duration.Round(time.Millisecond))

	return res, nil
}

// Returns the archive reference for a recipe: the context directory name
// under localhost, tagged latest. Names that cannot form a valid reference
// fall back to localhost/app:latest.
func DefaultTag(r *recipe.Recipe) string {
	const fallback = "localhost/app:latest"

	name := strings.ToLower(filepath.Base(r.ContextDir()))

	var b strings.Builder
	var sep strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			if b.Len() > 0 && sep.Len() > 0 {
				b.WriteString(separator(sep.String()))
			}
			sep.Reset()
			b.WriteRune(c)
		case c == '.' || c == '_' || c == '-':
			sep.WriteRune(c)
		default:
			sep.WriteRune('-')
		}
	}

	if b.Len() == 0 {
		return fallback
	}

	tag := "localhost/" + b.String() + ":latest"
	if _, err := reference.ParseNormalizedNamed(tag); err != nil {
		return fallback
	}
	return tag
}

// Returns a run of separator characters as one the reference grammar
// accepts between path components: ".", "_", "__", or dashes.
func separator(run string) string {
	switch {
	case run == ".", run == "_", run == "__", strings.Trim(run, "-") == "":
		return run
	default:
		return "-"
	}
}
