package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cruciblehq/cruxbuild/internal/manifest"
)

// Protocol version carried in every envelope.
const Version = 1

var ErrProtocol = errors.New("protocol error")

// Names a request or response.
type Command string

const (
	CmdBuild    Command = "build"
	CmdStatus   Command = "status"
	CmdShutdown Command = "shutdown"
	CmdOK       Command = "ok"
	CmdError    Command = "error"
)

// Wraps every message on the wire.
type Envelope struct {
	Version int             `json:"version"`
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Asks the daemon to execute a recipe.
type BuildRequest struct {
	Recipe      *manifest.Recipe `json:"recipe"`
	Output      string           `json:"output"`
	Concurrency int              `json:"concurrency,omitempty"`
	Keep        bool             `json:"keep,omitempty"`
}

// Reports a finished build.
type BuildResult struct {
	BuildID  string            `json:"buildId"`
	Order    []string          `json:"order"`
	States   map[string]string `json:"states"`
	Exports  map[string]string `json:"exports,omitempty"`
	Duration string            `json:"duration"`
}

// Reports daemon state.
type StatusResult struct {
	Running bool          `json:"running"`
	Version string        `json:"version"`
	Pid     int           `json:"pid"`
	Uptime  string        `json:"uptime"`
	Backend string        `json:"backend"`
	Builds  int           `json:"builds"`
	Active  []ActiveBuild `json:"active,omitempty"`
}

// A build in progress and the state of each of its stages.
type ActiveBuild struct {
	ID     string            `json:"id"`
	Stages map[string]string `json:"stages"`
}

// Describes a failed request. Stage, Step, and ExitStatus are set when a
// build step failed.
type ErrorResult struct {
	Message    string `json:"message"`
	Stage      string `json:"stage,omitempty"`
	Step       *int   `json:"step,omitempty"`
	ExitStatus int    `json:"exitStatus,omitempty"`
}

func (e *ErrorResult) Error() string {
	return e.Message
}

// Encodes a command and payload into a single JSON line, without the
// trailing newline. A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Version: Version, Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return data, nil
}

// Decodes an envelope, returning it with its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	if env.Version != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrProtocol, env.Version)
	}
	return &env, env.Payload, nil
}

// Decodes a payload into T.
func DecodePayload[T any](raw json.RawMessage) (*T, error) {
	var v T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return &v, nil
}
