package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/cruxbuild/internal/build"
	"github.com/cruciblehq/cruxbuild/internal/manifest"
	"github.com/cruciblehq/cruxbuild/internal/protocol"
	"github.com/cruciblehq/cruxbuild/internal/runtime"
)

type fixture struct {
	srv    *Server
	socket string
	output string
}

// Starts a local-backend server with a "base" environment. The socket lives
// in a short temporary directory to stay within the sun_path limit.
func startServer(t *testing.T) *fixture {
	t.Helper()

	run, err := os.MkdirTemp("", "cbs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(run) })

	bases := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(bases, "base", "latest", "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bases, "base", "latest", "etc", "os-release"), []byte("ID=test\n"), 0644))

	srv, err := New(Config{
		SocketPath: filepath.Join(run, "d.sock"),
		PIDFile:    filepath.Join(run, "d.pid"),
		Store:      t.TempDir(),
		Backend:    runtime.Config{Kind: runtime.KindLocal, Bases: bases},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return &fixture{srv: srv, socket: filepath.Join(run, "d.sock"), output: t.TempDir()}
}

func (f *fixture) send(t *testing.T, cmd protocol.Command, payload any) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return Send(ctx, f.socket, cmd, payload)
}

func recipe(steps ...string) *manifest.Recipe {
	stage := manifest.Stage{Name: "app", From: "base", Exports: []string{"/out"}}
	for _, s := range steps {
		stage.Steps = append(stage.Steps, manifest.Step{Run: s})
	}
	return &manifest.Recipe{Stages: []manifest.Stage{stage}}
}

func TestStatus(t *testing.T) {
	f := startServer(t)

	raw, err := f.send(t, protocol.CmdStatus, nil)
	require.NoError(t, err)

	status, err := protocol.DecodePayload[protocol.StatusResult](raw)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.Pid)
	assert.Equal(t, runtime.KindLocal, status.Backend)
	assert.Zero(t, status.Builds)
	assert.Empty(t, status.Active)
}

func TestPIDFileWritten(t *testing.T) {
	f := startServer(t)

	data, err := os.ReadFile(f.srv.pidFile)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(os.Getpid()), string(data))
}

func TestBuild(t *testing.T) {
	f := startServer(t)

	raw, err := f.send(t, protocol.CmdBuild, &protocol.BuildRequest{
		Recipe: recipe(`mkdir -p "$STAGE_ROOT/out" && echo hello > "$STAGE_ROOT/out/greeting"`),
		Output: f.output,
	})
	require.NoError(t, err)

	res, err := protocol.DecodePayload[protocol.BuildResult](raw)
	require.NoError(t, err)
	assert.NotEmpty(t, res.BuildID)
	assert.Equal(t, []string{"app"}, res.Order)
	assert.Equal(t, map[string]string{"app": "succeeded"}, res.States)
	assert.Equal(t, map[string]string{"app": f.output}, res.Exports)
	assert.FileExists(t, filepath.Join(f.output, "rootfs.tar"))

	raw, err = f.send(t, protocol.CmdStatus, nil)
	require.NoError(t, err)
	status, err := protocol.DecodePayload[protocol.StatusResult](raw)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Builds)
	assert.Empty(t, status.Active)
}

func TestBuildStepFailure(t *testing.T) {
	f := startServer(t)

	_, err := f.send(t, protocol.CmdBuild, &protocol.BuildRequest{
		Recipe: recipe(`true`, `exit 3`, `mkdir -p "$STAGE_ROOT/out"`),
		Output: f.output,
	})

	var res *protocol.ErrorResult
	require.True(t, errors.As(err, &res), "got %v", err)
	assert.Equal(t, "app", res.Stage)
	require.NotNil(t, res.Step)
	assert.Equal(t, 1, *res.Step)
	assert.Equal(t, 3, res.ExitStatus)
}

func TestBuildRejectsBadRequests(t *testing.T) {
	f := startServer(t)

	tests := []struct {
		name string
		req  *protocol.BuildRequest
	}{
		{"no recipe", &protocol.BuildRequest{Output: f.output}},
		{"relative output", &protocol.BuildRequest{Recipe: recipe("true"), Output: "dist"}},
		{"invalid recipe", &protocol.BuildRequest{
			Recipe: &manifest.Recipe{Stages: []manifest.Stage{{Name: "app"}}},
			Output: f.output,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.send(t, protocol.CmdBuild, tt.req)
			var res *protocol.ErrorResult
			assert.True(t, errors.As(err, &res), "got %v", err)
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	f := startServer(t)

	_, err := f.send(t, protocol.Command("bogus"), nil)
	var res *protocol.ErrorResult
	require.True(t, errors.As(err, &res), "got %v", err)
	assert.Contains(t, res.Message, "unknown command")
}

func TestShutdown(t *testing.T) {
	f := startServer(t)

	_, err := f.send(t, protocol.CmdShutdown, nil)
	require.NoError(t, err)

	select {
	case <-f.srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	assert.NoFileExists(t, f.socket)
	assert.NoError(t, f.srv.Stop())
}

func TestSendNoDaemon(t *testing.T) {
	_, err := Send(context.Background(), filepath.Join(t.TempDir(), "missing.sock"), protocol.CmdStatus, nil)
	assert.ErrorIs(t, err, ErrServer)
}

func TestErrorResult(t *testing.T) {
	err := fmt.Errorf("%w: %w", build.ErrBuild, &build.StepFailedError{Stage: "builder", Index: 2, ExitStatus: 127})

	res := ErrorResult(err)
	assert.Equal(t, "builder", res.Stage)
	require.NotNil(t, res.Step)
	assert.Equal(t, 2, *res.Step)
	assert.Equal(t, 127, res.ExitStatus)

	res = ErrorResult(errors.New("boom"))
	assert.Equal(t, "boom", res.Message)
	assert.Empty(t, res.Stage)
	assert.Nil(t, res.Step)

	err = fmt.Errorf("%w: %w", build.ErrBuild, &build.StageError{Stage: "runtime", Err: errors.New("fix-up failed")})
	res = ErrorResult(err)
	assert.Equal(t, "runtime", res.Stage)
	assert.Nil(t, res.Step)

	res = ErrorResult(&build.ExportMissingError{Stage: "builder", Path: "/out"})
	assert.Equal(t, "builder", res.Stage)
	assert.Nil(t, res.Step)
}
