package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// Recipe encodings, selected by file extension.
const (
	FormatYAML = "yaml"
	FormatHCL  = "hcl"
)

// Reads, decodes, and validates the recipe at path.
//
// HCL recipes see the process environment as the env variable.
func Load(path string) (*Recipe, error) {
	return LoadWithEnv(path, environMap(os.Environ()))
}

// Like [Load], with an explicit environment for HCL evaluation.
func LoadWithEnv(path string, environ map[string]string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	r, err := Decode(data, format, filepath.Base(path), environ)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	r.Dir = abs

	return r, nil
}

// Decodes and validates a recipe from memory.
//
// The filename only labels HCL diagnostics.
func Decode(data []byte, format, filename string, environ map[string]string) (*Recipe, error) {
	var (
		r   *Recipe
		err error
	)

	switch format {
	case FormatYAML:
		r, err = decodeYAML(data)
	case FormatHCL:
		r, err = decodeHCL(data, filename, environ)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrDecode, format)
	}
	if err != nil {
		return nil, err
	}

	r.normalize()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeYAML(data []byte) (*Recipe, error) {
	var r Recipe
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &r, nil
}

func decodeHCL(data []byte, filename string, environ map[string]string) (*Recipe, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrDecode, diags.Error())
	}

	var r Recipe
	if diags := gohcl.DecodeBody(file.Body, evalContext(environ), &r); diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", ErrDecode, diags.Error())
	}
	return &r, nil
}

// Exposes the environment to HCL expressions as env.NAME.
func evalContext(environ map[string]string) *hcl.EvalContext {
	vals := make(map[string]cty.Value, len(environ))
	for k, v := range environ {
		vals[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vals),
		},
	}
}

func formatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("%w: cannot infer format of %q", ErrDecode, path)
	}
}

func environMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
