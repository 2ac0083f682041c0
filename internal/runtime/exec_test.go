package runtime

import (
	"errors"
	"io"
	"io/fs"
	"sort"
	"strings"
	"testing"
)

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		overrides []string
		want      []string
	}{
		{
			name:      "override existing key",
			base:      []string{"A=1", "B=2"},
			overrides: []string{"A=override"},
			want:      []string{"A=override", "B=2"},
		},
		{
			name:      "add new key",
			base:      []string{"A=1"},
			overrides: []string{"B=2"},
			want:      []string{"A=1", "B=2"},
		},
		{
			name:      "empty base",
			base:      nil,
			overrides: []string{"A=1"},
			want:      []string{"A=1"},
		},
		{
			name:      "empty overrides",
			base:      []string{"A=1"},
			overrides: nil,
			want:      []string{"A=1"},
		},
		{
			name:      "both empty",
			base:      nil,
			overrides: nil,
			want:      []string{},
		},
		{
			name:      "value with equals sign",
			base:      []string{"CMD=foo=bar"},
			overrides: nil,
			want:      []string{"CMD=foo=bar"},
		},
		{
			name:      "malformed entries skipped",
			base:      []string{"NOEQUALS", "A=1"},
			overrides: []string{"ALSO_BAD", "B=2"},
			want:      []string{"A=1", "B=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeEnv(tt.base, tt.overrides)
			sort.Strings(got)
			sort.Strings(tt.want)

			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d\ngot:  %v\nwant: %v", len(got), len(tt.want), got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNextExecID(t *testing.T) {
	a := nextExecID()
	b := nextExecID()
	if a == b {
		t.Fatalf("nextExecID returned duplicate: %q", a)
	}
	if a == "" || b == "" {
		t.Fatal("nextExecID returned empty string")
	}
}

func TestMergeEnvKeepsOrder(t *testing.T) {
	got := mergeEnv([]string{"PATH=/usr/bin", "HOME=/root"}, []string{"CC=gcc", "PATH=/opt/bin"})
	want := []string{"PATH=/opt/bin", "HOME=/root", "CC=gcc"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAcceleratorEnv(t *testing.T) {
	host := map[string]string{
		"CUDA_VISIBLE_DEVICES":     "0,1",
		"HSA_OVERRIDE_GFX_VERSION": "10.3.0",
		"HOME":                     "/root",
	}
	lookup := func(k string) (string, bool) {
		v, ok := host[k]
		return v, ok
	}

	got := acceleratorEnvFrom(lookup)
	want := []string{"CUDA_VISIBLE_DEVICES=0,1", "HSA_OVERRIDE_GFX_VERSION=10.3.0"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWatchEOF(t *testing.T) {
	r, eof := watchEOF(strings.NewReader("tar stream"))

	select {
	case <-eof:
		t.Fatal("channel closed before EOF")
	default:
	}

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "tar stream" {
		t.Fatalf("read %q", data)
	}

	select {
	case <-eof:
	default:
		t.Fatal("channel not closed after EOF")
	}

	// Reading past EOF again must not close the channel twice.
	if _, err := r.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("second read = %v, want EOF", err)
	}
}

func TestParseStat(t *testing.T) {
	tests := []struct {
		name  string
		out   string
		mode  fs.FileMode
		isDir bool
	}{
		{"regular", "81a4 12 1700000000\n", 0644, false},
		{"directory", "41ed 4096 1700000000\n", fs.ModeDir | 0755, true},
		{"symlink", "a1ff 9 1700000000\n", fs.ModeSymlink | 0777, false},
		{"setuid", "89ed 100 1700000000\n", fs.ModeSetuid | 0755, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseStat("/usr/bin/x", tt.out)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode() != tt.mode {
				t.Errorf("mode = %v, want %v", info.Mode(), tt.mode)
			}
			if info.IsDir() != tt.isDir {
				t.Errorf("IsDir = %v, want %v", info.IsDir(), tt.isDir)
			}
			if info.Name() != "x" {
				t.Errorf("Name = %q, want x", info.Name())
			}
		})
	}

	if _, err := parseStat("/x", "garbage"); err == nil {
		t.Fatal("expected error for malformed output")
	}
}

func TestFileError(t *testing.T) {
	if err := fileError("read", "/x", 0, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fileError("read", "/x", missingExit, ""); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
	if err := fileError("read", "/x", 1, "denied"); !errors.Is(err, ErrRuntime) {
		t.Fatalf("err = %v, want ErrRuntime", err)
	}
}
