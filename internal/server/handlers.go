package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cruciblehq/cruxbuild/internal"
	"github.com/cruciblehq/cruxbuild/internal/build"
	"github.com/cruciblehq/cruxbuild/internal/protocol"
	"github.com/cruciblehq/cruxbuild/internal/snapshot"
)

// Stage states of a build in progress.
type buildState struct {
	stages map[string]string
}

// Handles a build command.
//
// Each build gets its own snapshot store under the server's store root so
// stage names of concurrent builds never collide. The build is cancelled if
// the client disconnects.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}
	if req.Recipe == nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: "build request has no recipe"})
		return
	}
	if !filepath.IsAbs(req.Output) {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: "build output must be an absolute path"})
		return
	}
	if err := req.Recipe.Validate(); err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	id := build.NewID()
	store, err := snapshot.Open(filepath.Join(s.store, id))
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.track(id)
	defer s.untrack(id)

	result, err := build.Run(ctx, s.backend, store, build.Options{
		Recipe:      req.Recipe,
		BuildID:     id,
		Output:      req.Output,
		Concurrency: req.Concurrency,
		Keep:        req.Keep,
		OnStateChange: func(stage string, state build.State) {
			s.setStage(id, stage, state)
		},
	})

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	if err != nil {
		s.respond(conn, protocol.CmdError, ErrorResult(err))
		return
	}

	if err := build.Discard(store, req.Keep); err != nil {
		slog.Warn("failed to clean build store", "build", id, "error", err)
	}

	s.respond(conn, protocol.CmdOK, BuildResult(result))
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	active := make([]protocol.ActiveBuild, 0, len(s.active))
	for _, id := range slices.Sorted(maps.Keys(s.active)) {
		active = append(active, protocol.ActiveBuild{
			ID:     id,
			Stages: maps.Clone(s.active[id].stages),
		})
	}
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Backend: s.backendKind,
		Builds:  builds,
		Active:  active,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		if err := s.Stop(); err != nil {
			slog.Warn("stop failed", "error", err)
		}
	}()
}

func (s *Server) track(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = &buildState{stages: make(map[string]string)}
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

func (s *Server) setStage(id, stage string, state build.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.active[id]; ok {
		b.stages[stage] = state.String()
	}
}

// Converts a build result into its wire form.
func BuildResult(r *build.Result) *protocol.BuildResult {
	out := &protocol.BuildResult{
		BuildID:  r.BuildID,
		Order:    make([]string, len(r.Order)),
		States:   make(map[string]string, len(r.States)),
		Exports:  make(map[string]string, len(r.Exports)),
		Duration: r.Duration.Round(time.Millisecond).String(),
	}
	for i, id := range r.Order {
		out.Order[i] = string(id)
	}
	for id, state := range r.States {
		out.States[string(id)] = state.String()
	}
	for id, dir := range r.Exports {
		out.Exports[string(id)] = dir
	}
	return out
}

// Converts a build error into its wire form, keeping the failing stage, and
// the step when a step failed.
func ErrorResult(err error) *protocol.ErrorResult {
	res := &protocol.ErrorResult{Message: err.Error()}

	var (
		stageErr  *build.StageError
		exportErr *build.ExportMissingError
		stepErr   *build.StepFailedError
	)
	switch {
	case errors.As(err, &stageErr):
		res.Stage = stageErr.Stage
	case errors.As(err, &exportErr):
		res.Stage = exportErr.Stage
	}
	if errors.As(err, &stepErr) {
		index := stepErr.Index
		res.Stage = stepErr.Stage
		res.Step = &index
		res.ExitStatus = stepErr.ExitStatus
	}
	return res
}
