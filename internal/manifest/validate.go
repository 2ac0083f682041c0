package manifest

import (
	"errors"
	"fmt"
	"path"
	"regexp"
)

var stageName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Cleans paths and resolves relative import destinations against the stage
// workdir.
func (r *Recipe) normalize() {
	for i := range r.Stages {
		s := &r.Stages[i]
		for j, e := range s.Exports {
			s.Exports[j] = path.Clean(e)
		}
		for j := range s.Imports {
			imp := &s.Imports[j]
			if imp.Source != "" {
				imp.Source = path.Clean(imp.Source)
			}
			if imp.Dest != "" && !path.IsAbs(imp.Dest) && s.Workdir != "" {
				imp.Dest = path.Join(s.Workdir, imp.Dest)
			}
			if imp.Dest != "" {
				imp.Dest = path.Clean(imp.Dest)
			}
		}
	}
}

// Checks the recipe for structural errors.
//
// Graph-level problems (duplicates, cycles, unknown import sources) are left
// to the graph package so that they surface with their own error kinds.
func (r *Recipe) Validate() error {
	if len(r.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidRecipe)
	}

	var errs []error
	for i := range r.Stages {
		if err := r.Stages[i].validate(); err != nil {
			errs = append(errs, fmt.Errorf("stage %s: %w", label(r.Stages[i].Name, i), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRecipe, errors.Join(errs...))
	}
	return nil
}

func (s *Stage) validate() error {
	if !stageName.MatchString(s.Name) {
		return fmt.Errorf("invalid name %q", s.Name)
	}
	if s.From == "" {
		return errors.New("missing base environment (from)")
	}
	if s.Workdir != "" && !path.IsAbs(s.Workdir) {
		return fmt.Errorf("workdir %q is not absolute", s.Workdir)
	}

	for i, step := range s.Steps {
		if step.Run == "" {
			return fmt.Errorf("step %d: empty command", i)
		}
		if step.Workdir != "" && !path.IsAbs(step.Workdir) {
			return fmt.Errorf("step %d: workdir %q is not absolute", i, step.Workdir)
		}
	}

	for _, e := range s.Exports {
		if !path.IsAbs(e) {
			return fmt.Errorf("export %q is not absolute", e)
		}
	}

	for _, imp := range s.Imports {
		if imp.From == "" {
			return fmt.Errorf("import %q: missing source stage", imp.String())
		}
		if imp.From == s.Name {
			return fmt.Errorf("import %q: stage imports from itself", imp.String())
		}
		if !path.IsAbs(imp.Source) {
			return fmt.Errorf("import %q: source is not absolute", imp.String())
		}
		if !path.IsAbs(imp.Dest) {
			return fmt.Errorf("import %q: destination is not absolute", imp.String())
		}
	}

	for _, f := range s.Fixups {
		if err := f.validate(); err != nil {
			return fmt.Errorf("fixup %q: %w", f.Name, err)
		}
	}

	return nil
}

func (f *Fixup) validate() error {
	if f.Name == "" {
		return errors.New("missing name")
	}

	switch f.Kind {
	case FixupLinkerPath:
		if !path.IsAbs(f.Dir) {
			return fmt.Errorf("dir %q is not absolute", f.Dir)
		}
	case FixupInterpreter:
		if f.Package == "" {
			return errors.New("missing package")
		}
		if !path.IsAbs(f.Binary) {
			return fmt.Errorf("binary %q is not absolute", f.Binary)
		}
		if f.Alias != "" && !path.IsAbs(f.Alias) {
			return fmt.Errorf("alias %q is not absolute", f.Alias)
		}
	case FixupAlias:
		if !path.IsAbs(f.Alias) {
			return fmt.Errorf("alias %q is not absolute", f.Alias)
		}
		if f.Target == "" {
			return errors.New("missing target")
		}
	default:
		return fmt.Errorf("unknown kind %q", f.Kind)
	}
	return nil
}

// Returns a label for a stage, preferring the name and falling back to the
// 1-based index.
func label(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%d", index+1)
}
