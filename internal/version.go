package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Program name, used for logger groups and directory naming.
	Name = "cruxbuild"

	// Placeholder for metadata that was not injected at link time.
	undefined = "(undefined)"

	// Version string reported by builds made outside the release pipeline.
	localBuild = "(local)"

	// Branch whose builds omit the stage suffix in version strings.
	mainBranch = "main"
)

// Injected with -ldflags "-X github.com/cruciblehq/cruxbuild/internal.version=...".
var (
	version   = "" // Release version (e.g., "0.4.1").
	stage     = "" // Branch the binary was cut from (e.g., "main", "staging").
	gitCommit = "" // Abbreviated commit hash.
)

// Build metadata reported by the version command and the daemon status.
type BuildInfo struct {
	Version string `json:"version"`
	Stage   string `json:"stage"`
	Commit  string `json:"commit"`
	Arch    string `json:"arch"`
	Local   bool   `json:"local"`
}

// Returns the metadata of the running binary.
func Info() BuildInfo {
	return BuildInfo{
		Version: Version(),
		Stage:   Stage(),
		Commit:  GitCommit(),
		Arch:    runtime.GOARCH,
		Local:   IsLocal(),
	}
}

// Returns the release version without any "v" prefix, or "(undefined)".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return undefined
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the branch the binary was built from, or "(undefined)".
func Stage() string {
	s := strings.TrimSpace(stage)
	if s == "" {
		return undefined
	}
	return strings.ToLower(s)
}

// Returns the commit hash, or "(undefined)".
func GitCommit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return undefined
	}
	return c
}

// Reports whether any of the release variables is missing.
func IsLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(stage) == ""
}

// Returns "<version>[+<stage>] <commit> [<arch>]", or "(local)".
func VersionString() string {
	if IsLocal() {
		return localBuild
	}

	suffix := ""
	if s := Stage(); s != mainBranch {
		suffix = "+" + s
	}

	return fmt.Sprintf("%s%s %s [%s]", Version(), suffix, GitCommit(), runtime.GOARCH)
}
