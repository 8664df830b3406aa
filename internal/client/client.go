// Talks to the packd daemon over its Unix socket.
//
// Every call opens a fresh connection, writes one request, and reads one
// response. Cancelling the call's context closes the connection, which the
// daemon treats as a cancellation of the running command.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cruciblehq/packd/internal/protocol"
)

// Time allowed to establish a connection.
const dialTimeout = 2 * time.Second

var (
	ErrUnavailable = errors.New("daemon not reachable")
	ErrRemote      = errors.New("daemon returned an error")
)

// Failure reported by the daemon.
type RemoteError struct {
	Kind    protocol.ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

// Daemon client bound to one socket path.
type Client struct {
	socket string
}

// Creates a client for the daemon listening on socket.
func New(socket string) *Client {
	return &Client{socket: socket}
}

// Returns the socket path.
func (c *Client) Socket() string {
	return c.socket
}

// Sends cmd with payload and decodes a successful response into out, which
// may be nil. An error response is returned as a [*RemoteError].
func (c *Client) Call(ctx context.Context, cmd protocol.Command, payload, out any) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, c.socket, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, protocol.Delimiter)); err != nil {
		return c.connError(ctx, "send", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes(protocol.Delimiter)
	if err != nil {
		return c.connError(ctx, "receive", err)
	}

	env, raw, err := protocol.Decode(line)
	if err != nil {
		return err
	}

	switch env.Command {
	case protocol.CmdOK:
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode %s result: %v", protocol.ErrProtocol, cmd, err)
		}
		return nil
	case protocol.CmdError:
		res, err := protocol.DecodePayload[protocol.ErrorResult](raw)
		if err != nil {
			return err
		}
		return &RemoteError{Kind: res.Kind, Message: res.Message}
	default:
		return fmt.Errorf("%w: unexpected response %q", protocol.ErrProtocol, env.Command)
	}
}

// Prefers the context error when the connection was closed by cancellation.
func (c *Client) connError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Runs a build on the daemon and waits for it to finish.
func (c *Client) Build(ctx context.Context, req *protocol.BuildRequest) (*protocol.BuildResult, error) {
	var res protocol.BuildResult
	if err := c.Call(ctx, protocol.CmdBuild, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Returns the daemon status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	var res protocol.StatusResult
	if err := c.Call(ctx, protocol.CmdStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Lists the daemon's cached layers.
func (c *Client) CacheList(ctx context.Context) (*protocol.CacheListResult, error) {
	var res protocol.CacheListResult
	if err := c.Call(ctx, protocol.CmdCacheList, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Prunes cached layers not used within olderThan.
func (c *Client) CachePrune(ctx context.Context, olderThan time.Duration) (*protocol.CachePruneResult, error) {
	var res protocol.CachePruneResult
	if err := c.Call(ctx, protocol.CmdCachePrune, &protocol.CachePruneRequest{OlderThan: olderThan}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, protocol.CmdShutdown, nil, nil)
}
