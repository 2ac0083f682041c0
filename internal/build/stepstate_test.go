package build

import (
	"testing"

	"github.com/cruciblehq/cruxbuild/internal/manifest"
	"github.com/cruciblehq/cruxbuild/internal/runtime"
)

func TestNewStepState(t *testing.T) {
	s := newStepState(&manifest.Stage{}, nil)
	if s.shell != runtime.DefaultShell {
		t.Fatalf("shell = %q, want %q", s.shell, runtime.DefaultShell)
	}
	if s.workdir != "" {
		t.Fatalf("workdir = %q, want empty", s.workdir)
	}
	if len(s.env) != 0 {
		t.Fatalf("env = %v, want empty", s.env)
	}
}

func TestNewStepStateStageDefaults(t *testing.T) {
	stage := &manifest.Stage{
		Shell:   "/bin/bash",
		Workdir: "/src",
		Env:     map[string]string{"CUDA_ARCH": "89", "MODE": "stage"},
	}
	s := newStepState(stage, map[string]string{"MODE": "base", "PROXY": "http://proxy"})

	if s.shell != "/bin/bash" {
		t.Fatalf("shell = %q, want /bin/bash", s.shell)
	}
	if s.workdir != "/src" {
		t.Fatalf("workdir = %q, want /src", s.workdir)
	}
	if s.env["MODE"] != "stage" {
		t.Fatalf("env[MODE] = %q, want stage (stage env wins over base)", s.env["MODE"])
	}
	if s.env["PROXY"] != "http://proxy" || s.env["CUDA_ARCH"] != "89" {
		t.Fatalf("env = %v, want base and stage entries", s.env)
	}
}

func TestResolve(t *testing.T) {
	s := newStepState(&manifest.Stage{
		Shell:   "/bin/bash",
		Workdir: "/app",
		Env:     map[string]string{"A": "1"},
	}, nil)

	resolved := s.resolve(manifest.Step{
		Shell:   "/bin/zsh",
		Workdir: "/tmp",
		Env:     map[string]string{"B": "2"},
	})

	if resolved.shell != "/bin/zsh" {
		t.Fatalf("resolved.shell = %q, want /bin/zsh", resolved.shell)
	}
	if resolved.workdir != "/tmp" {
		t.Fatalf("resolved.workdir = %q, want /tmp", resolved.workdir)
	}
	if resolved.env["A"] != "1" || resolved.env["B"] != "2" {
		t.Fatalf("resolved.env = %v, want A=1 B=2", resolved.env)
	}

	// Stage defaults are unchanged.
	if s.shell != "/bin/bash" {
		t.Fatalf("original shell mutated to %q", s.shell)
	}
	if s.workdir != "/app" {
		t.Fatalf("original workdir mutated to %q", s.workdir)
	}
	if _, ok := s.env["B"]; ok {
		t.Fatal("original env mutated: B leaked in")
	}
}

func TestResolveDoesNotCarryBetweenSteps(t *testing.T) {
	s := newStepState(&manifest.Stage{Workdir: "/app"}, nil)

	first := s.resolve(manifest.Step{Workdir: "/build", Env: map[string]string{"K": "v"}})
	second := s.resolve(manifest.Step{})

	if first.workdir != "/build" {
		t.Fatalf("first.workdir = %q, want /build", first.workdir)
	}
	if second.workdir != "/app" {
		t.Fatalf("second.workdir = %q, want /app", second.workdir)
	}
	if _, ok := second.env["K"]; ok {
		t.Fatal("env from the first step leaked into the second")
	}
}

func TestResolveEnvOverride(t *testing.T) {
	s := newStepState(&manifest.Stage{Env: map[string]string{"K": "base"}}, nil)

	resolved := s.resolve(manifest.Step{Env: map[string]string{"K": "override"}})
	if resolved.env["K"] != "override" {
		t.Fatalf("env[K] = %q, want override", resolved.env["K"])
	}
	if s.env["K"] != "base" {
		t.Fatalf("original env[K] mutated to %q", s.env["K"])
	}
}

func TestEnviron(t *testing.T) {
	s := newStepState(&manifest.Stage{}, nil)
	if len(s.environ()) != 0 {
		t.Fatal("empty state should produce no environ entries")
	}

	s = newStepState(&manifest.Stage{Env: map[string]string{"PATH": "/usr/bin", "HOME": "/root"}}, nil)
	env := s.environ()
	want := []string{"HOME=/root", "PATH=/usr/bin"}
	if len(env) != len(want) {
		t.Fatalf("len(environ) = %d, want %d", len(env), len(want))
	}
	for i := range want {
		if env[i] != want[i] {
			t.Fatalf("environ = %v, want %v", env, want)
		}
	}
}
