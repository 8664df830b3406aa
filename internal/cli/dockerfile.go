package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/packd/internal/recipe"
)

// Represents the 'packd dockerfile' command.
type DockerfileCmd struct {
	File string `short:"f" default:"packd.yaml" help:"Recipe file." placeholder:"PATH"`
}

// Executes the dockerfile command.
func (c *DockerfileCmd) Run(ctx context.Context) error {
	r, err := recipe.Load(c.File)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, r.Dockerfile())
	return nil
}
