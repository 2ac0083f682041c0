// Package transplant copies exported paths out of stage snapshots into other
// stages.
//
// A transplant moves exactly one declared path. The source tree is streamed
// as a tar archive rooted at a single top-level entry, which keeps the wire
// format identical whether the destination is a host directory or a running
// container. Mode bits, directory structure, and symlink targets cross the
// boundary unchanged; symlinks are never dereferenced. Ownership does not
// cross: archive headers carry uid and gid 0 with empty user and group
// names.
//
// Directories merge into an existing destination directory, the way a
// multi-stage COPY places an install prefix over /usr. A file replacing a
// file is allowed; a file replacing a directory (or the reverse) fails with
// [ErrTypeConflict] unless overwrite is requested.
//
// The destination is never left half-written. The archive is first unpacked
// into a staging directory; only when that succeeds are entries renamed into
// place, and a failure during the renames rolls back everything moved so far.
package transplant
