package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cruciblehq/packd/internal/paths"
	"github.com/cruciblehq/packd/internal/recipe"
	"github.com/cruciblehq/packd/internal/requirements"
)

// Patterns written to a new ignore file.
const defaultIgnore = `# Paths excluded from the application copy (gitignore syntax).
.git/
dist/
__pycache__/
*.pyc
.venv/
`

// Represents the 'packd init' command.
type InitCmd struct {
	Dir   string `arg:"" optional:"" default:"." help:"Project directory." placeholder:"DIR"`
	Force bool   `help:"Overwrite an existing recipe."`
}

// Executes the init command.
//
// Writes the default recipe to DIR/packd.yaml and creates an empty manifest
// and an ignore file when they are missing. An existing manifest is parsed
// so that problems surface before the first build.
func (c *InitCmd) Run(ctx context.Context) error {
	dir, err := filepath.Abs(c.Dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return err
	}

	r := recipe.Default()
	file := filepath.Join(dir, recipe.DefaultFile)

	if _, err := os.Stat(file); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", file)
	}

	data, err := r.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(file, data, paths.DefaultFileMode); err != nil {
		return err
	}
	slog.Info("wrote recipe", "path", file)

	manifest := filepath.Join(dir, r.Dependencies.Manifest)
	m, err := requirements.ParseFile(manifest)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.WriteFile(manifest, nil, paths.DefaultFileMode); err != nil {
			return err
		}
		slog.Info("created empty dependency manifest", "path", manifest)
	case err != nil:
		return err
	default:
		slog.Info("found dependency manifest", "path", manifest, "requirements", len(m.Requirements))
	}

	ignore := filepath.Join(dir, r.Ignore)
	if _, err := os.Stat(ignore); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte(defaultIgnore), paths.DefaultFileMode); err != nil {
			return err
		}
		slog.Info("created ignore file", "path", ignore)
	}

	return nil
}
