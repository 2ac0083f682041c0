package manifest

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parses an import in its textual form "stage:/src /dest".
//
// A relative destination is joined with workdir; it is an error when workdir
// is empty.
func ParseImport(s, workdir string) (Import, error) {
	src, dest, err := parseCopy(s, workdir)
	if err != nil {
		return Import{}, err
	}
	return newImport(src, dest)
}

// Parses the textual form, keeping a relative destination as written. The
// stage workdir is applied when the recipe is normalized.
func parseImportUnresolved(s string) (Import, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return Import{}, fmt.Errorf("expected source and destination, got %q", s)
	}
	return newImport(parts[0], parts[1])
}

func newImport(src, dest string) (Import, error) {
	stage, srcPath, ok := parseStageCopy(src)
	if !ok {
		return Import{}, fmt.Errorf("source %q is not of the form stage:path", src)
	}
	return Import{From: stage, Source: srcPath, Dest: dest}, nil
}

// Returns the import in its textual form.
func (i Import) String() string {
	return i.From + ":" + i.Source + " " + i.Dest
}

// Accepts either the textual form or a mapping.
func (i *Import) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		imp, err := parseImportUnresolved(node.Value)
		if err != nil {
			return err
		}
		*i = imp
		return nil
	}

	type plain Import
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*i = Import(p)
	return nil
}

// Accepts either a bare command string or a mapping.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = Step{Run: node.Value}
		return nil
	}

	type plain Step
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Step(p)
	return nil
}

// Splits "stage:path" into its parts.
//
// Returns false when the string is not a cross-stage reference: no colon,
// a leading colon, or a path separator before the colon ("/foo:bar").
func parseStageCopy(src string) (stage, p string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 {
		return "", "", false
	}

	if strings.ContainsRune(src[:i], '/') {
		return "", "", false
	}

	return src[:i], src[i+1:], true
}

// Splits a copy string into source and destination.
//
// Exactly two whitespace-separated tokens are required. A relative dest is
// joined with workdir.
func parseCopy(s, workdir string) (src, dest string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected source and destination, got %q", s)
	}

	src = parts[0]
	dest = parts[1]

	if !path.IsAbs(dest) {
		if workdir == "" {
			return "", "", fmt.Errorf("relative dest %q requires workdir", dest)
		}
		dest = path.Join(workdir, dest)
	}

	return src, path.Clean(dest), nil
}
