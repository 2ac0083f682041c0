package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	programName = "cruxbuild"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Directory holding published stage snapshots.
//
//	Linux:   $XDG_DATA_HOME/cruxbuild/snapshots
//	macOS:   ~/Library/Application Support/cruxbuild/snapshots
func Store() string {
	return filepath.Join(xdg.DataHome, programName, "snapshots")
}

// Directory holding base environments for the local backend, laid out as
// <repo>/<tag>.
//
//	Linux:   $XDG_DATA_HOME/cruxbuild/bases
//	macOS:   ~/Library/Application Support/cruxbuild/bases
func Bases() string {
	return filepath.Join(xdg.DataHome, programName, "bases")
}

// Directory for scratch workspaces of running stages.
func Work() string {
	return filepath.Join(xdg.CacheHome, programName, "work")
}

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/cruxbuild or /run/user/<uid>/cruxbuild
//	macOS:   ~/Library/Caches/cruxbuild/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, programName)
	}
	return filepath.Join(xdg.CacheHome, programName, "run")
}

// Default path to the daemon's Unix domain socket.
func Socket() string {
	return filepath.Join(Runtime(), "cruxbuild.sock")
}

// Default path to the daemon's PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), "cruxbuild.pid")
}
