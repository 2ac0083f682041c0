package cli

import (
	"path/filepath"

	"github.com/cruciblehq/cruxbuild/internal/runtime"
)

// Flags selecting and configuring the execution backend. Shared by build
// and start.
type BackendFlags struct {
	Backend             string `help:"Execution backend." enum:"local,containerd" default:"${backend}"`
	Store               string `help:"Snapshot store root." default:"${store}" type:"path" placeholder:"DIR"`
	Bases               string `help:"Base environment root for the local backend." default:"${bases}" type:"path" placeholder:"DIR"`
	Chroot              bool   `help:"Chroot local steps into their workspace (requires privileges)."`
	ContainerdAddress   string `help:"Containerd socket address." default:"${containerd_address}" placeholder:"PATH"`
	ContainerdNamespace string `name:"namespace" help:"Containerd namespace." default:"${containerd_namespace}"`
}

// Local workspaces live beside the store so commits are renames.
func (f *BackendFlags) config() runtime.Config {
	return runtime.Config{
		Kind:      f.Backend,
		Bases:     f.Bases,
		Scratch:   filepath.Join(f.Store, ".work"),
		Chroot:    f.Chroot,
		Address:   f.ContainerdAddress,
		Namespace: f.ContainerdNamespace,
	}
}
