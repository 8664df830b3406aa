package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/cruciblehq/packd/internal/build"
	"github.com/cruciblehq/packd/internal/recipe"
	"github.com/cruciblehq/packd/internal/runtime"
)

// Represents the 'packd plan' command.
type PlanCmd struct {
	File     string `short:"f" default:"packd.yaml" help:"Recipe file." placeholder:"PATH"`
	Output   string `short:"o" default:"dist" help:"Output directory of the build, left out of the context." placeholder:"DIR"`
	Platform string `help:"Target platform (os/arch[/variant])."`
	JSON     bool   `name:"json" help:"Print the plan as JSON."`
}

// Summary of a plan for display.
type planView struct {
	Base           string      `json:"base"`
	Platform       string      `json:"platform"`
	Context        string      `json:"context"`
	ContextDigest  string      `json:"context_digest"`
	Manifest       string      `json:"manifest,omitempty"`
	ManifestDigest string      `json:"manifest_digest,omitempty"`
	Requirements   []string    `json:"requirements,omitempty"`
	Stages         []stageView `json:"stages"`
}

type stageView struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Commands    []string `json:"commands,omitempty"`
	Skipped     bool     `json:"skipped,omitempty"`
}

// Executes the plan command.
//
// Validates the recipe, reads the manifest, and digests the build context
// without contacting containerd.
func (c *PlanCmd) Run(ctx context.Context) error {
	r, err := recipe.Load(c.File)
	if err != nil {
		return err
	}

	p, err := build.NewPlan(r, c.Platform, c.Output)
	if err != nil {
		return err
	}

	v := newPlanView(p)
	if c.JSON {
		return writeJSON(stdout, v)
	}

	fprintBlock(stdout, renderFields(planFields(v)))

	rows := make([][]string, 0, len(v.Stages))
	for _, st := range v.Stages {
		action := strings.Join(st.Commands, "\n")
		if st.Skipped {
			action = "skip: " + st.Description
		} else if action == "" {
			action = st.Description
		}
		rows = append(rows, []string{st.Name, action})
	}
	fprintBlock(stdout, renderTable([]string{"Stage", "Action"}, rows, nil))
	return nil
}

func newPlanView(p *build.Plan) planView {
	v := planView{
		Base:          p.Base.String(),
		Platform:      p.Platform,
		Context:       p.Recipe.ContextDir(),
		ContextDigest: p.ContextDigest.String(),
	}
	if v.Platform == "" {
		v.Platform = runtime.DefaultPlatform()
	}

	if p.Requirements != nil {
		v.Manifest = p.Recipe.ManifestPath()
		v.ManifestDigest = p.ManifestDigest.String()
		for _, req := range p.Requirements.Requirements {
			v.Requirements = append(v.Requirements, req.String())
		}
	}

	for _, st := range p.Stages {
		sv := stageView{Name: st.Name, Description: st.Description, Skipped: st.NoOp}
		for _, cmd := range st.Commands {
			sv.Commands = append(sv.Commands, cmd.String())
		}
		v.Stages = append(v.Stages, sv)
	}
	return v
}

func planFields(v planView) [][2]string {
	fields := [][2]string{
		{"base", v.Base},
		{"platform", v.Platform},
		{"context", fmt.Sprintf("%s (%s)", v.Context, shortDigest(v.ContextDigest))},
	}
	if v.Manifest != "" {
		fields = append(fields, [2]string{
			"manifest",
			fmt.Sprintf("%s (%s, %d requirements)", v.Manifest, shortDigest(v.ManifestDigest), len(v.Requirements)),
		})
	}
	return fields
}
