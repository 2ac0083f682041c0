package fixup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/cruciblehq/cruxbuild/internal/manifest"
)

const (
	linkerConfDir  = "/etc/ld.so.conf.d"
	packageField   = "{package}"
	confFileMode   = 0644
	confDirMode    = 0755
	aliasParentDir = 0755
)

// Implemented by systems whose commands run on the host rather than inside
// the stage. HostRoot returns the stage root as a host path, or "" when
// commands already see the stage as "/".
type HostRooted interface {
	HostRoot() string
}

// Default refresh command. Outside the stage it is pointed at the stage root.
func defaultRefresh(root string) []string {
	if root == "" {
		return []string{"ldconfig"}
	}
	return []string{"ldconfig", "-r", root}
}

// Default install command template. Outside the stage the package manager
// installs into the stage root.
func defaultInstall(root string) []string {
	if root == "" {
		return []string{"dnf", "install", "-y", packageField}
	}
	return []string{"dnf", "--installroot=" + root, "install", "-y", packageField}
}

func hostRoot(sys System) string {
	if h, ok := sys.(HostRooted); ok {
		return h.HostRoot()
	}
	return ""
}

// Rooted view of a stage filesystem. Paths are absolute inside the stage.
type System interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte, perm fs.FileMode) error
	MkdirAll(ctx context.Context, name string, perm fs.FileMode) error
	Lstat(ctx context.Context, name string) (fs.FileInfo, error)
	Readlink(ctx context.Context, name string) (string, error)
	Symlink(ctx context.Context, target, link string) error
	Remove(ctx context.Context, name string) error

	// Runs a command inside the stage, returning its exit code and combined
	// output. A non-zero exit is not an error.
	Run(ctx context.Context, args []string) (int, string, error)
}

// Applies fix-ups in declaration order.
//
// The first failing non-advisory fix-up stops the sequence and its error is
// returned. Failing advisory fix-ups are logged and skipped.
func Apply(ctx context.Context, sys System, fixups []manifest.Fixup) error {
	for _, f := range fixups {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := apply(ctx, sys, f)
		if err == nil {
			slog.Debug("fixup applied", "fixup", f.Name, "kind", f.Kind)
			continue
		}
		if f.Advisory {
			slog.Warn("advisory fixup failed", "fixup", f.Name, "kind", f.Kind, "error", err)
			continue
		}
		return fmt.Errorf("%w: %s: %w", ErrFixup, f.Name, err)
	}
	return nil
}

func apply(ctx context.Context, sys System, f manifest.Fixup) error {
	switch f.Kind {
	case manifest.FixupLinkerPath:
		return linkerPath(ctx, sys, f)
	case manifest.FixupInterpreter:
		return interpreter(ctx, sys, f)
	case manifest.FixupAlias:
		return ensureAlias(ctx, sys, f.Alias, f.Target, f.Overwrite)
	default:
		return fmt.Errorf("unknown kind %q", f.Kind)
	}
}

// Registers f.Dir with the dynamic linker and refreshes the cache.
func linkerPath(ctx context.Context, sys System, f manifest.Fixup) error {
	conf := confPath(f)

	data, err := sys.ReadFile(ctx, conf)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if !hasLine(string(data), f.Dir) {
		if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
			data = append(data, '\n')
		}
		data = append(data, f.Dir+"\n"...)

		if err := sys.MkdirAll(ctx, linkerConfDir, confDirMode); err != nil {
			return err
		}
		if err := sys.WriteFile(ctx, conf, data, confFileMode); err != nil {
			return err
		}
		slog.Debug("linker path registered", "dir", f.Dir, "conf", conf)
	}

	refresh := f.Refresh
	if len(refresh) == 0 {
		refresh = defaultRefresh(hostRoot(sys))
	}

	code, out, err := sys.Run(ctx, refresh)
	if err != nil {
		return &LinkerConfigError{Dir: f.Dir, Err: err}
	}
	if code != 0 {
		return &LinkerConfigError{Dir: f.Dir, ExitCode: code, Output: strings.TrimSpace(out)}
	}
	return nil
}

// Returns the linker config file for a fix-up, named after Conf or Name.
func confPath(f manifest.Fixup) string {
	name := f.Conf
	if name == "" {
		name = f.Name
	}
	if !strings.HasSuffix(name, ".conf") {
		name += ".conf"
	}
	return path.Join(linkerConfDir, path.Base(name))
}

func hasLine(data, line string) bool {
	return slices.ContainsFunc(strings.Split(data, "\n"), func(l string) bool {
		return strings.TrimSpace(l) == line
	})
}

// Installs f.Package when f.Binary is missing, then ensures the alias.
func interpreter(ctx context.Context, sys System, f manifest.Fixup) error {
	present, err := exists(ctx, sys, f.Binary)
	if err != nil {
		return err
	}

	if !present {
		if err := install(ctx, sys, f); err != nil {
			return err
		}
	}

	if f.Alias == "" {
		return nil
	}
	return ensureAlias(ctx, sys, f.Alias, f.Binary, f.Overwrite)
}

func install(ctx context.Context, sys System, f manifest.Fixup) error {
	tmpl := f.Install
	if len(tmpl) == 0 {
		tmpl = defaultInstall(hostRoot(sys))
	}
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		args[i] = strings.ReplaceAll(a, packageField, f.Package)
	}

	slog.Info("installing package", "package", f.Package, "command", strings.Join(args, " "))

	code, out, err := sys.Run(ctx, args)
	if err != nil {
		return &PackageInstallError{Package: f.Package, Err: err}
	}
	if code != 0 {
		return &PackageInstallError{
			Package: f.Package,
			Err:     fmt.Errorf("%s exited with %d: %s", args[0], code, strings.TrimSpace(out)),
		}
	}

	present, err := exists(ctx, sys, f.Binary)
	if err != nil {
		return err
	}
	if !present {
		return &PackageInstallError{Package: f.Package, Err: fmt.Errorf("%s missing after install", f.Binary)}
	}
	return nil
}

// Ensures link is a symlink to target.
//
// A link to another target, or a regular file, is replaced only when
// overwrite is set. A directory is never replaced.
func ensureAlias(ctx context.Context, sys System, link, target string, overwrite bool) error {
	info, err := sys.Lstat(ctx, link)
	if errors.Is(err, fs.ErrNotExist) {
		if err := sys.MkdirAll(ctx, path.Dir(link), aliasParentDir); err != nil {
			return err
		}
		return sys.Symlink(ctx, target, link)
	}
	if err != nil {
		return err
	}

	var existing string
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		current, err := sys.Readlink(ctx, link)
		if err != nil {
			return err
		}
		if current == target {
			return nil
		}
		existing = "a link to " + current
	case info.IsDir():
		return &AliasConflictError{Alias: link, Existing: "a directory", Target: target}
	default:
		existing = "a file"
	}

	if !overwrite {
		return &AliasConflictError{Alias: link, Existing: existing, Target: target}
	}

	if err := sys.Remove(ctx, link); err != nil {
		return err
	}
	return sys.Symlink(ctx, target, link)
}

func exists(ctx context.Context, sys System, name string) (bool, error) {
	_, err := sys.Lstat(ctx, name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
