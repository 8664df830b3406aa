package recipe

import (
	"path"
	"strings"
)

// Directory holding the apt package index inside Debian-based images.
const aptListsDir = "/var/lib/apt/lists"

// Command is one process run by a stage: an argv and extra environment.
type Command struct {
	Args []string
	Env  []string
}

// SystemCommands returns the commands that install the system packages and
// drop the package index afterwards. It returns nil when no packages are listed.
func (r *Recipe) SystemCommands() []Command {
	pkgs := r.System.Packages
	if len(pkgs) == 0 {
		return nil
	}

	switch r.System.Manager {
	case ManagerApk:
		return []Command{
			{Args: append([]string{"apk", "add", "--no-cache"}, pkgs...)},
		}
	default:
		env := []string{"DEBIAN_FRONTEND=noninteractive"}
		return []Command{
			{Args: []string{"apt-get", "update"}, Env: env},
			{Args: append([]string{"apt-get", "install", "-y", "--no-install-recommends"}, pkgs...), Env: env},
			{Args: []string{"/bin/sh", "-c", "rm -rf " + aptListsDir + "/*"}},
		}
	}
}

// WorkdirCommand returns the command that creates the working directory.
func (r *Recipe) WorkdirCommand() Command {
	return Command{Args: []string{"mkdir", "-p", r.Workdir}}
}

// ManifestDest returns where the manifest is placed inside the image,
// relative to the working directory.
func (r *Recipe) ManifestDest() string {
	return path.Clean(strings.ReplaceAll(r.Dependencies.Manifest, `\`, "/"))
}

// InstallCommand returns the command installing the manifest's packages with
// the installer's cache disabled.
func (r *Recipe) InstallCommand() Command {
	return Command{
		Args: []string{"pip", "install", "--no-cache-dir", "-r", r.ManifestDest()},
		Env:  []string{"PIP_DISABLE_PIP_VERSION_CHECK=1"},
	}
}

// Shell renders the command as a single shell line for display.
func (c Command) Shell() string {
	if len(c.Args) == 3 && (c.Args[0] == "/bin/sh" || c.Args[0] == "sh") && c.Args[1] == "-c" {
		return c.Args[2]
	}
	quoted := make([]string, len(c.Args))
	for i, a := range c.Args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
