package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Program name, used for logger groups, paths, and the CLI.
	Name = "packd"

	// Placeholder for build variables that were not set via ldflags.
	undefined = "(undefined)"

	// Version string reported by builds outside the release pipeline.
	localBuild = "(local)"

	// Branch whose builds carry no stage suffix.
	mainBranch = "main"
)

// Set via -ldflags "-X github.com/cruciblehq/packd/internal.version=...".
var (
	version   = "" // Release number (e.g., "1.2.3").
	stage     = "" // Git branch the binary was built from.
	gitCommit = "" // Short commit hash.
)

// Describes the running binary.
type BuildInfo struct {
	Version string // Release number without the "v" prefix.
	Stage   string // Lowercased branch name.
	Commit  string // Git commit hash.
	Arch    string // GOARCH of the binary.
	Local   bool   // True when any pipeline variable is missing.
}

// Returns the build information baked in at link time.
func Build() BuildInfo {
	return BuildInfo{
		Version: orUndefined(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(version)), "v")),
		Stage:   orUndefined(strings.ToLower(strings.TrimSpace(stage))),
		Commit:  orUndefined(strings.TrimSpace(gitCommit)),
		Arch:    runtime.GOARCH,
		Local: strings.TrimSpace(version) == "" ||
			strings.TrimSpace(stage) == "" ||
			strings.TrimSpace(gitCommit) == "",
	}
}

// Formats the build as "<version>[+<stage>] <commit> [<arch>]", or "(local)".
func (b BuildInfo) String() string {
	if b.Local {
		return localBuild
	}

	suffix := ""
	if b.Stage != mainBranch {
		suffix = "+" + b.Stage
	}

	return fmt.Sprintf("%s%s %s [%s]", b.Version, suffix, b.Commit, b.Arch)
}

// Returns the formatted version of the running binary.
func VersionString() string {
	return Build().String()
}

// User agent sent to registries when pulling base images.
func UserAgent() string {
	b := Build()
	if b.Local {
		return Name + "/dev"
	}
	return Name + "/" + b.Version
}

func orUndefined(s string) string {
	if s == "" {
		return undefined
	}
	return s
}
