package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"gopkg.in/yaml.v3"
)

// Conventional recipe file name.
const DefaultFile = "packd.yaml"

// Package managers understood by the system stage.
const (
	ManagerApt = "apt"
	ManagerApk = "apk"
)

// Installers understood by the dependency stage.
const InstallerPip = "pip"

// Prefix marking a base that is a local OCI archive instead of a registry reference.
const ArchivePrefix = "oci-archive:"

var ErrInvalidRecipe = errors.New("invalid recipe")

// Debian and Alpine package names: lowercase alphanumerics plus "+", "-", ".".
var packageName = regexp.MustCompile(`^[a-z0-9][a-z0-9+.\-]*$`)

// System lists OS packages installed on top of the base image.
type System struct {
	Manager  string   `yaml:"manager,omitempty"`
	Packages []string `yaml:"packages,omitempty"`
}

// Dependencies points at the language dependency manifest.
type Dependencies struct {
	Manifest  string `yaml:"manifest,omitempty"`  // Relative to the context directory.
	Installer string `yaml:"installer,omitempty"` // Defaults to pip.
}

// Recipe is a parsed packd.yaml.
type Recipe struct {
	Base         string       `yaml:"base"`
	Platform     string       `yaml:"platform,omitempty"`
	System       System       `yaml:"system,omitempty"`
	Workdir      string       `yaml:"workdir"`
	Dependencies Dependencies `yaml:"dependencies,omitempty"`
	Context      string       `yaml:"context,omitempty"` // Relative to the recipe file.
	Ignore       string       `yaml:"ignore,omitempty"`  // Relative to the context directory.
	Entrypoint   []string     `yaml:"entrypoint"`

	dir string // Directory the recipe was loaded from.
}

// Default returns the recipe for a Python application started with
// "python main.py", with ffmpeg available on the PATH.
func Default() *Recipe {
	return &Recipe{
		Base: "python:3.10-slim",
		System: System{
			Manager:  ManagerApt,
			Packages: []string{"ffmpeg"},
		},
		Workdir: "/app",
		Dependencies: Dependencies{
			Manifest:  "requirements.txt",
			Installer: InstallerPip,
		},
		Context:    ".",
		Ignore:     ".packdignore",
		Entrypoint: []string{"python", "main.py"},
	}
}

// Load reads and validates a recipe file. Relative paths in the recipe are
// resolved against the file's directory.
func Load(file string) (*Recipe, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}

	abs, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		return nil, err
	}
	r.dir = abs

	return r, nil
}

// Parse decodes and validates a recipe. Unknown fields are rejected.
func Parse(data []byte) (*Recipe, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	r := &Recipe{}
	if err := dec.Decode(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
	}

	r.applyDefaults()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Marshal renders the recipe as YAML.
func (r *Recipe) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Recipe) applyDefaults() {
	if r.System.Manager == "" {
		r.System.Manager = ManagerApt
	}
	if r.Dependencies.Installer == "" {
		r.Dependencies.Installer = InstallerPip
	}
	if r.Context == "" {
		r.Context = "."
	}
}

// Validate checks the recipe against what the pipeline can execute.
func (r *Recipe) Validate() error {
	if err := validateBase(r.Base); err != nil {
		return err
	}

	if r.Platform != "" {
		if _, err := platforms.Parse(r.Platform); err != nil {
			return fmt.Errorf("%w: platform %q: %v", ErrInvalidRecipe, r.Platform, err)
		}
	}

	switch r.System.Manager {
	case ManagerApt, ManagerApk:
	default:
		return fmt.Errorf("%w: unsupported package manager %q", ErrInvalidRecipe, r.System.Manager)
	}
	for _, p := range r.System.Packages {
		if !packageName.MatchString(p) {
			return fmt.Errorf("%w: invalid system package name %q", ErrInvalidRecipe, p)
		}
	}

	if r.Workdir == "" || !path.IsAbs(r.Workdir) {
		return fmt.Errorf("%w: workdir must be an absolute path, got %q", ErrInvalidRecipe, r.Workdir)
	}

	if r.Dependencies.Installer != InstallerPip {
		return fmt.Errorf("%w: unsupported installer %q", ErrInvalidRecipe, r.Dependencies.Installer)
	}
	if m := r.Dependencies.Manifest; m != "" && (filepath.IsAbs(m) || !filepath.IsLocal(m)) {
		return fmt.Errorf("%w: manifest %q must be a path inside the context", ErrInvalidRecipe, m)
	}
	if i := r.Ignore; i != "" && !filepath.IsLocal(i) {
		return fmt.Errorf("%w: ignore file %q must be a path inside the context", ErrInvalidRecipe, i)
	}

	if len(r.Entrypoint) == 0 || r.Entrypoint[0] == "" {
		return fmt.Errorf("%w: entrypoint must name a program", ErrInvalidRecipe)
	}

	return nil
}

func validateBase(base string) error {
	if base == "" {
		return fmt.Errorf("%w: base is required", ErrInvalidRecipe)
	}
	if p, ok := ArchivePath(base); ok {
		if p == "" {
			return fmt.Errorf("%w: base archive path is empty", ErrInvalidRecipe)
		}
		return nil
	}
	if _, err := reference.ParseNormalizedNamed(base); err != nil {
		return fmt.Errorf("%w: base %q: %v", ErrInvalidRecipe, base, err)
	}
	return nil
}

// ArchivePath reports whether base refers to a local OCI archive and returns its path.
func ArchivePath(base string) (string, bool) {
	if len(base) < len(ArchivePrefix) || base[:len(ArchivePrefix)] != ArchivePrefix {
		return "", false
	}
	return base[len(ArchivePrefix):], true
}

// BaseRef returns the fully qualified registry reference for the base image,
// adding the default registry and the "latest" tag where omitted.
// For archive bases the archive path is returned unchanged.
func (r *Recipe) BaseRef() (string, error) {
	if p, ok := ArchivePath(r.Base); ok {
		return p, nil
	}
	named, err := reference.ParseNormalizedNamed(r.Base)
	if err != nil {
		return "", fmt.Errorf("%w: base %q: %v", ErrInvalidRecipe, r.Base, err)
	}
	return reference.TagNameOnly(named).String(), nil
}

// Dir returns the directory the recipe was loaded from, or the working
// directory for recipes that were parsed from bytes.
func (r *Recipe) Dir() string {
	if r.dir != "" {
		return r.dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// SetDir overrides the directory relative paths are resolved against.
func (r *Recipe) SetDir(dir string) {
	r.dir = dir
}

// ContextDir returns the absolute build context directory.
func (r *Recipe) ContextDir() string {
	if filepath.IsAbs(r.Context) {
		return filepath.Clean(r.Context)
	}
	return filepath.Join(r.Dir(), r.Context)
}

// ManifestPath returns the absolute path of the dependency manifest, or ""
// when the recipe declares none.
func (r *Recipe) ManifestPath() string {
	if r.Dependencies.Manifest == "" {
		return ""
	}
	return filepath.Join(r.ContextDir(), r.Dependencies.Manifest)
}

// IgnorePath returns the absolute path of the ignore file, or "" when unset.
func (r *Recipe) IgnorePath() string {
	if r.Ignore == "" {
		return ""
	}
	return filepath.Join(r.ContextDir(), r.Ignore)
}
