package fixup

import (
	"errors"
	"fmt"
)

var (
	ErrFixup          = errors.New("fixup failed")
	ErrLinkerConfig   = errors.New("linker configuration failed")
	ErrPackageInstall = errors.New("package install failed")
	ErrAliasConflict  = errors.New("alias conflict")
)

// Returned when the linker cache refresh fails.
type LinkerConfigError struct {
	Dir      string // Directory being registered.
	ExitCode int    // Exit code of the refresh command, when it ran.
	Output   string // Combined output of the refresh command.
	Err      error  // Underlying error, if the command could not run.
}

func (e *LinkerConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrLinkerConfig, e.Dir, e.Err)
	}
	return fmt.Sprintf("%s: %s: refresh exited with %d: %s", ErrLinkerConfig, e.Dir, e.ExitCode, e.Output)
}

func (e *LinkerConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrLinkerConfig, e.Err}
	}
	return []error{ErrLinkerConfig}
}

// Returned when a package cannot be installed.
type PackageInstallError struct {
	Package string
	Err     error
}

func (e *PackageInstallError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPackageInstall, e.Package, e.Err)
}

func (e *PackageInstallError) Unwrap() []error {
	return []error{ErrPackageInstall, e.Err}
}

// Returned when an alias path is occupied by something other than the
// expected link.
type AliasConflictError struct {
	Alias    string // Path of the alias.
	Existing string // What occupies it: a link target or a file type.
	Target   string // Requested link target.
}

func (e *AliasConflictError) Error() string {
	return fmt.Sprintf("%s: %s is %s, want link to %s", ErrAliasConflict, e.Alias, e.Existing, e.Target)
}

func (e *AliasConflictError) Unwrap() error {
	return ErrAliasConflict
}
