package runtime

import (
	"fmt"
)

const (
	KindLocal      = "local"
	KindContainerd = "containerd"
)

// Selects and configures a [Backend].
type Config struct {
	Kind      string // KindLocal or KindContainerd.
	Bases     string // Local base environment root.
	Scratch   string // Local workspace directory.
	Chroot    bool   // Chroot local steps into their workspace.
	Address   string // Containerd socket address.
	Namespace string // Containerd namespace.
}

// Builds the backend named by cfg.Kind.
func Open(cfg Config) (Backend, error) {
	switch cfg.Kind {
	case KindLocal, "":
		return &LocalBackend{Bases: cfg.Bases, Scratch: cfg.Scratch, Chroot: cfg.Chroot}, nil
	case KindContainerd:
		return NewContainerd(cfg.Address, cfg.Namespace)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrRuntime, cfg.Kind)
	}
}
