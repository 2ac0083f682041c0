package internal

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/cruciblehq/cruxbuild/internal/paths"
)

const (

	// Backend that runs steps as host subprocesses against directory trees.
	BackendLocal = "local"

	// Backend that runs steps inside containerd containers.
	BackendContainerd = "containerd"

	// Default containerd socket address.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for images and containers.
	DefaultContainerdNamespace = "cruxbuild"
)

// Environment-provided defaults for command-line flags.
//
// Every field may be overridden by the corresponding flag. Unset variables
// fall back to the XDG locations returned by the paths package.
type Settings struct {
	Store               string `env:"CRUXBUILD_STORE"`
	Bases               string `env:"CRUXBUILD_BASES"`
	Backend             string `env:"CRUXBUILD_BACKEND" envDefault:"local"`
	Concurrency         int    `env:"CRUXBUILD_CONCURRENCY" envDefault:"1"`
	ContainerdAddress   string `env:"CRUXBUILD_CONTAINERD_ADDRESS" envDefault:"/run/containerd/containerd.sock"`
	ContainerdNamespace string `env:"CRUXBUILD_CONTAINERD_NAMESPACE" envDefault:"cruxbuild"`
	Socket              string `env:"CRUXBUILD_SOCKET"`
}

// Reads settings from the process environment.
func LoadSettings() (Settings, error) {
	return parseSettings(env.Options{})
}

// Reads settings from an explicit variable map instead of the process
// environment.
func LoadSettingsFrom(environ map[string]string) (Settings, error) {
	return parseSettings(env.Options{Environment: environ})
}

func parseSettings(opts env.Options) (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}

	if s.Store == "" {
		s.Store = paths.Store()
	}
	if s.Bases == "" {
		s.Bases = paths.Bases()
	}
	if s.Socket == "" {
		s.Socket = paths.Socket()
	}

	switch s.Backend {
	case BackendLocal, BackendContainerd:
	default:
		return Settings{}, fmt.Errorf("parse settings: unknown backend %q", s.Backend)
	}

	if s.Concurrency < 1 {
		s.Concurrency = 1
	}

	return s, nil
}
