// Parses flags and dispatches the cruxbuild commands.
//
// The root command accepts the following flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Daemon Unix socket path.
//
// Subcommands are build, plan, start, status, and version. Flag defaults come
// from CRUXBUILD_* environment variables, falling back to XDG locations.
// After parsing, the global logger is reconfigured to reflect the final level
// and verbosity before the subcommand runs.
package cli
