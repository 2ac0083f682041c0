// Package fixup applies post-transplant adjustments to a stage environment.
//
// Fix-ups are declared data, not code: each [manifest.Fixup] names a kind
// and the parameters it needs. [Apply] runs them in declaration order
// against a [System], the rooted view of a stage filesystem that workspaces
// provide. Every kind is idempotent; applying a list twice leaves the same
// configuration state as applying it once.
//
// Supported kinds:
//
//	linker-path   register a directory with the dynamic linker and refresh its cache
//	interpreter   install a package when its binary is missing, then alias it
//	alias         ensure a symlink points at a target
//
// Advisory fix-ups log a warning on failure instead of failing the stage.
package fixup
