package transplant

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// Writes the file, symlink, or directory tree at hostPath to tw, with the
// top-level entry named name.
//
// Symlinks are archived as links. Ownership fields are cleared.
func WriteTree(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Lstat(hostPath)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return writeEntry(tw, hostPath, name, info)
	}

	return filepath.WalkDir(hostPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostPath, p)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		return writeEntry(tw, p, filepath.ToSlash(filepath.Join(name, rel)), info)
	})
}

// Writes a single entry. Directories get a trailing slash.
func writeEntry(tw *tar.Writer, hostPath, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(hostPath)
		if err != nil {
			return err
		}
		link = target
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}

	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}
	header.Uid, header.Gid = 0, 0
	header.Uname, header.Gname = "", ""

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Unpacks a transplant archive into dir.
//
// Every entry must live under the top-level entry; absolute names and names
// escaping dir are rejected. Directory modes are applied after their
// contents are written so that read-only directories can be populated.
func Extract(r io.Reader, dir string) error {
	return extract(r, dir, rootEntry)
}

// Unpacks an arbitrary archive into dir, such as one produced by tar(1)
// inside a container. Entries must not already exist.
func ExtractAll(r io.Reader, dir string) error {
	return extract(r, dir, "")
}

func extract(r io.Reader, dir, top string) error {
	tr := tar.NewReader(r)

	type dirMode struct {
		path string
		mode fs.FileMode
	}
	var dirs []dirMode

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		name := strings.TrimSuffix(path.Clean(hdr.Name), "/")
		if top != "" && name != top && !strings.HasPrefix(name, top+"/") {
			return fmt.Errorf("unexpected archive entry %q", hdr.Name)
		}
		if name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		target := filepath.Join(dir, filepath.FromSlash(name))
		mode := hdr.FileInfo().Mode().Perm() | hdr.FileInfo().Mode()&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0700); err != nil {
				return err
			}
			dirs = append(dirs, dirMode{target, mode})

		case tar.TypeReg:
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}

		case tar.TypeLink:
			if !filepath.IsLocal(hdr.Linkname) {
				return fmt.Errorf("archive link %q escapes destination", hdr.Linkname)
			}
			if err := os.Link(filepath.Join(dir, filepath.FromSlash(hdr.Linkname)), target); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unsupported archive entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
	}

	// Deepest first, so a read-only parent does not block its children.
	slices.Reverse(dirs)
	for _, d := range dirs {
		if err := os.Chmod(d.path, d.mode); err != nil {
			return err
		}
	}

	return nil
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// Explicit chmod, since the umask applies to OpenFile.
	return os.Chmod(target, mode)
}
