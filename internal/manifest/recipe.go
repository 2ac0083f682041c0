package manifest

import (
	"maps"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Fix-up kinds understood by the fixup package.
const (
	FixupLinkerPath  = "linker-path"
	FixupInterpreter = "interpreter"
	FixupAlias       = "alias"
)

// A complete build description.
type Recipe struct {
	EnvFiles []string `yaml:"envFiles,omitempty" hcl:"env_files,optional"`
	Stages   []Stage  `yaml:"stages" hcl:"stage,block"`

	// Directory the recipe was loaded from; relative env files resolve here.
	Dir string `yaml:"-"`
}

// A named build phase with its own isolated filesystem.
type Stage struct {
	Name      string            `yaml:"name" hcl:"name,label"`
	From      string            `yaml:"from" hcl:"from"`
	Shell     string            `yaml:"shell,omitempty" hcl:"shell,optional"`
	Workdir   string            `yaml:"workdir,omitempty" hcl:"workdir,optional"`
	Env       map[string]string `yaml:"env,omitempty" hcl:"env,optional"`
	Steps     []Step            `yaml:"steps,omitempty" hcl:"step,block"`
	Exports   []string          `yaml:"exports,omitempty" hcl:"exports,optional"`
	Imports   []Import          `yaml:"imports,omitempty" hcl:"import,block"`
	Fixups    []Fixup           `yaml:"fixups,omitempty" hcl:"fixup,block"`
	Transient bool              `yaml:"transient,omitempty" hcl:"transient,optional"`
}

// A single command run inside a stage.
//
// Shell, Workdir, and Env override the stage defaults for this step only.
type Step struct {
	Run     string            `yaml:"run" hcl:"run"`
	Workdir string            `yaml:"workdir,omitempty" hcl:"workdir,optional"`
	Shell   string            `yaml:"shell,omitempty" hcl:"shell,optional"`
	Env     map[string]string `yaml:"env,omitempty" hcl:"env,optional"`
}

// Copies an exported path of another stage into this stage's filesystem.
type Import struct {
	From      string `yaml:"from" hcl:"from"`
	Source    string `yaml:"source" hcl:"source"`
	Dest      string `yaml:"dest" hcl:"dest"`
	Overwrite bool   `yaml:"overwrite,omitempty" hcl:"overwrite,optional"`
}

// An idempotent environment adjustment applied after a stage's steps.
//
// Which fields apply depends on Kind:
//
//	linker-path   Dir, Conf, Refresh
//	interpreter   Package, Binary, Install, Alias, Overwrite
//	alias         Alias, Target, Overwrite
type Fixup struct {
	Name      string   `yaml:"name" hcl:"name,label"`
	Kind      string   `yaml:"kind" hcl:"kind"`
	Advisory  bool     `yaml:"advisory,omitempty" hcl:"advisory,optional"`
	Dir       string   `yaml:"dir,omitempty" hcl:"dir,optional"`
	Conf      string   `yaml:"conf,omitempty" hcl:"conf,optional"`
	Refresh   []string `yaml:"refresh,omitempty" hcl:"refresh,optional"`
	Package   string   `yaml:"package,omitempty" hcl:"package,optional"`
	Binary    string   `yaml:"binary,omitempty" hcl:"binary,optional"`
	Install   []string `yaml:"install,omitempty" hcl:"install,optional"`
	Alias     string   `yaml:"alias,omitempty" hcl:"alias,optional"`
	Target    string   `yaml:"target,omitempty" hcl:"target,optional"`
	Overwrite bool     `yaml:"overwrite,omitempty" hcl:"overwrite,optional"`
}

// Returns the stage with the given name.
func (r *Recipe) Stage(name string) (*Stage, bool) {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i], true
		}
	}
	return nil, false
}

// Loads the recipe's env files, merged in declaration order.
//
// The result sits beneath every stage's own env.
func (r *Recipe) BaseEnv() (map[string]string, error) {
	env := make(map[string]string)
	for _, name := range r.EnvFiles {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.Dir, path)
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, err
		}
		maps.Copy(env, vars)
	}
	return env, nil
}

// Returns the names of the stages this stage imports from, without
// duplicates, in import order.
func (s *Stage) Sources() []string {
	var out []string
	seen := make(map[string]bool)
	for _, imp := range s.Imports {
		if !seen[imp.From] {
			seen[imp.From] = true
			out = append(out, imp.From)
		}
	}
	return out
}
