package recipe

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Dockerfile renders a Dockerfile that performs the same stages as the
// recipe. packd does not consume it; it exists so a recipe can be inspected
// or built with other tooling.
func (r *Recipe) Dockerfile() string {
	var b strings.Builder

	if p, ok := ArchivePath(r.Base); ok {
		fmt.Fprintf(&b, "# base is the local OCI archive %s; load and tag it before building\n", p)
	}
	fmt.Fprintf(&b, "FROM %s\n", r.Base)

	if cmds := r.SystemCommands(); len(cmds) > 0 {
		lines := make([]string, 0, len(cmds))
		for _, c := range cmds {
			lines = append(lines, withEnv(c))
		}
		fmt.Fprintf(&b, "RUN %s\n", strings.Join(lines, " \\\n    && "))
	}

	fmt.Fprintf(&b, "WORKDIR %s\n", r.Workdir)

	if r.Dependencies.Manifest != "" {
		dest := r.ManifestDest()
		fmt.Fprintf(&b, "COPY %s %s\n", dest, dest)
		fmt.Fprintf(&b, "RUN %s\n", withEnv(r.InstallCommand()))
	}

	b.WriteString("COPY . .\n")

	argv, _ := json.Marshal(r.Entrypoint)
	fmt.Fprintf(&b, "ENTRYPOINT %s\n", argv)

	return b.String()
}

func withEnv(c Command) string {
	if len(c.Env) == 0 {
		return c.Shell()
	}
	return strings.Join(c.Env, " ") + " " + c.Shell()
}
