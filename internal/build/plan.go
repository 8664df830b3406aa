package build

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/cruciblehq/packd/internal/buildctx"
	"github.com/cruciblehq/packd/internal/recipe"
	"github.com/cruciblehq/packd/internal/requirements"
	"github.com/cruciblehq/packd/internal/runtime"
	"github.com/opencontainers/go-digest"
)

// Stage names, in execution order.
const (
	StageBase         = "base"
	StageSystem       = "system"
	StageWorkdir      = "workdir"
	StageDependencies = "dependencies"
	StageCopy         = "copy"
	StageEntrypoint   = "entrypoint"
)

// Fixed stage order. Nothing reorders or skips entries; no-op stages stay
// in place and pass their parent's key through.
var stageOrder = []string{
	StageBase,
	StageSystem,
	StageWorkdir,
	StageDependencies,
	StageCopy,
	StageEntrypoint,
}

// Returns the fixed stage order.
func StageOrder() []string {
	return append([]string(nil), stageOrder...)
}

// One planned stage.
type Stage struct {
	Name        string            // Stage name.
	Description string            // Human-readable summary, recorded in the image history.
	Commands    []runtime.Command // Commands the stage runs.
	Fingerprint string            // Stage inputs hashed into the cache key. Empty for base and entrypoint.
	NoOp        bool              // True when the stage has nothing to do.

	copy *runtime.CopySpec // Files copied in before the commands.
}

// Reports whether running the stage produces a filesystem layer.
func (s Stage) ProducesLayer() bool {
	return !s.NoOp && s.Name != StageBase && s.Name != StageEntrypoint
}

// Everything the pipeline needs to know before touching the runtime.
//
// The dependency manifest is read exactly once, when the plan is made; the
// copy into the image uses the same bytes that were hashed.
type Plan struct {
	Recipe         *recipe.Recipe         // Validated recipe.
	Base           runtime.BaseSource     // Where the base image comes from.
	Platform       string                 // Requested platform, "" for the host default.
	Requirements   *requirements.Manifest // Parsed dependency manifest, nil when none is declared.
	ManifestDigest digest.Digest          // Digest of the manifest bytes.
	ContextDigest  digest.Digest          // Digest of the filtered build context.
	Stages         []Stage                // Stages in execution order.
}

// Resolves a recipe into a plan.
//
// The recipe is validated, the dependency manifest is read and parsed, and
// the build context is opened and digested. Recipe problems wrap
// [recipe.ErrInvalidRecipe]; unreadable files wrap [ErrFileSystemOperation].
// The platform argument overrides the recipe's platform when non-empty.
// Paths in exclude that lie inside the context directory, such as the
// output directory, are left out of the copied application files.
func NewPlan(r *recipe.Recipe, platform string, exclude ...string) (*Plan, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no recipe", recipe.ErrInvalidRecipe)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	p := &Plan{Recipe: r, Platform: platform}
	if p.Platform == "" {
		p.Platform = r.Platform
	}

	if archive, ok := recipe.ArchivePath(r.Base); ok {
		p.Base = runtime.BaseSource{Archive: archive}
	} else {
		ref, err := r.BaseRef()
		if err != nil {
			return nil, err
		}
		p.Base = runtime.BaseSource{Ref: ref}
	}

	bctx, err := buildctx.Open(r.ContextDir(), r.IgnorePath(), exclude...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	if p.ContextDigest, err = bctx.Digest(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	var manifest []byte
	var manifestMode fs.FileMode
	if r.Dependencies.Manifest != "" {
		manifest, manifestMode, err = bctx.ReadFile(r.ManifestDest())
		if err != nil {
			return nil, fmt.Errorf("%w: dependency manifest: %w", ErrFileSystemOperation, err)
		}
		if p.Requirements, err = requirements.Parse(bytes.NewReader(manifest)); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", recipe.ErrInvalidRecipe, r.Dependencies.Manifest, err)
		}
		p.ManifestDigest = digest.FromBytes(manifest)
	}

	p.Stages = []Stage{
		p.baseStage(),
		p.systemStage(),
		p.workdirStage(),
		p.dependenciesStage(manifest, manifestMode),
		p.copyStage(bctx),
		p.entrypointStage(),
	}

	return p, nil
}

// Returns the named stage.
func (p *Plan) Stage(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

func (p *Plan) baseStage() Stage {
	return Stage{
		Name:        StageBase,
		Description: "FROM " + p.Base.String(),
	}
}

func (p *Plan) systemStage() Stage {
	sys := p.Recipe.System
	s := Stage{
		Name:        StageSystem,
		Fingerprint: fingerprint(StageSystem, sys.Manager, strings.Join(sys.Packages, " ")),
	}

	cmds := p.Recipe.SystemCommands()
	if len(cmds) == 0 {
		s.NoOp = true
		s.Description = "no system packages"
		return s
	}

	s.Commands = convertCommands(cmds)
	s.Description = fmt.Sprintf("%s install %s", sys.Manager, strings.Join(sys.Packages, " "))
	return s
}

func (p *Plan) workdirStage() Stage {
	wd := p.Recipe.Workdir
	return Stage{
		Name:        StageWorkdir,
		Description: "WORKDIR " + wd,
		Commands:    convertCommands([]recipe.Command{p.Recipe.WorkdirCommand()}),
		Fingerprint: fingerprint(StageWorkdir, wd),
	}
}

func (p *Plan) dependenciesStage(manifest []byte, mode fs.FileMode) Stage {
	deps := p.Recipe.Dependencies
	s := Stage{
		Name:        StageDependencies,
		Fingerprint: fingerprint(StageDependencies, deps.Installer, deps.Manifest, p.ManifestDigest.String()),
	}

	if p.Requirements == nil || p.Requirements.Empty() {
		s.NoOp = true
		s.Description = "no language dependencies"
		return s
	}

	install := p.Recipe.InstallCommand()
	dest := p.Recipe.ManifestDest()

	s.Commands = convertCommands([]recipe.Command{install})
	s.Description = install.Shell()
	s.copy = &runtime.CopySpec{
		Dest: p.Recipe.Workdir,
		Write: func(w io.Writer) error {
			return buildctx.WriteDataTar(w, dest, manifest, mode)
		},
	}
	return s
}

func (p *Plan) copyStage(bctx *buildctx.Context) Stage {
	wd := p.Recipe.Workdir
	return Stage{
		Name:        StageCopy,
		Description: "COPY . " + wd,
		Fingerprint: fingerprint(StageCopy, wd, p.ContextDigest.String()),
		copy: &runtime.CopySpec{
			Dest: wd,
			Write: func(w io.Writer) error {
				return bctx.WriteTar(w, "")
			},
		},
	}
}

func (p *Plan) entrypointStage() Stage {
	return Stage{
		Name:        StageEntrypoint,
		Description: "ENTRYPOINT " + strings.Join(p.Recipe.Entrypoint, " "),
	}
}

// Joins stage inputs into a fingerprint. Fields are newline separated and
// the stage name comes first, so inputs of different stages never collide.
func fingerprint(stage string, fields ...string) string {
	return stage + "\n" + strings.Join(fields, "\n")
}

// Returns the cache key of the base: the target digest plus the platform.
func baseKey(target digest.Digest, platform string) digest.Digest {
	return digest.FromString(target.String() + "\n" + platform)
}

// Chains a stage fingerprint onto its parent's key.
func stageKey(parent digest.Digest, fp string) digest.Digest {
	return digest.FromString(parent.String() + "\n" + fp)
}

func convertCommands(cmds []recipe.Command) []runtime.Command {
	out := make([]runtime.Command, len(cmds))
	for i, c := range cmds {
		out[i] = runtime.Command{Args: c.Args, Env: c.Env}
	}
	return out
}
