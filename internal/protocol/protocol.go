package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire format version. Envelopes carrying another version are rejected.
const Version = 1

// Delimits envelopes on the wire.
const Delimiter = '\n'

var ErrProtocol = errors.New("protocol error")

// Names a request or response kind.
type Command string

const (
	CmdBuild      Command = "build"       // Build an image from a recipe file.
	CmdStatus     Command = "status"      // Report daemon state.
	CmdCacheList  Command = "cache.list"  // List cached layers.
	CmdCachePrune Command = "cache.prune" // Drop cached layers not used recently.
	CmdShutdown   Command = "shutdown"    // Stop the daemon.

	CmdOK    Command = "ok"    // Successful response.
	CmdError Command = "error" // Failed response carrying an [ErrorResult].
)

// Wraps every message on the wire.
type Envelope struct {
	Version int             `json:"version"`
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshals payload into an envelope for cmd. A nil payload is omitted. The
// result carries no trailing delimiter.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Version: Version, Command: cmd}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s payload: %v", ErrProtocol, cmd, err)
		}
		env.Payload = data
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrProtocol, cmd, err)
	}
	return data, nil
}

// Unmarshals one envelope and returns it together with its raw payload.
// Surrounding whitespace, including the delimiter, is ignored.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty message", ErrProtocol)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode envelope: %v", ErrProtocol, err)
	}
	if env.Version != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version %d (want %d)", ErrProtocol, env.Version, Version)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrProtocol)
	}

	return &env, env.Payload, nil
}

// Unmarshals a payload into a new T. An absent or null payload yields the
// zero value.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	v := new(T)

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, nil
	}

	if err := json.Unmarshal(trimmed, v); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrProtocol, err)
	}
	return v, nil
}
