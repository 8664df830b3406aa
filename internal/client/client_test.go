package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cruciblehq/packd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Serves one connection with reply and returns the request it received.
type fakeDaemon struct {
	socket   string
	requests chan *protocol.Envelope
	closed   chan struct{} // Receives when the client hangs up.
}

func startDaemon(t *testing.T, reply func(*protocol.Envelope) ([]byte, bool)) *fakeDaemon {
	t.Helper()

	dir, err := os.MkdirTemp("", "packd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	d := &fakeDaemon{
		socket:   filepath.Join(dir, "d.sock"),
		requests: make(chan *protocol.Envelope, 1),
		closed:   make(chan struct{}, 1),
	}

	ln, err := net.Listen("unix", d.socket)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		line, err := r.ReadBytes(protocol.Delimiter)
		if err != nil {
			return
		}
		env, _, err := protocol.Decode(line)
		if err != nil {
			return
		}
		d.requests <- env

		if data, ok := reply(env); ok {
			conn.Write(append(data, protocol.Delimiter))
			return
		}

		// No reply: wait for the client to hang up.
		io.Copy(io.Discard, r)
		d.closed <- struct{}{}
	}()

	return d
}

func ok(t *testing.T, payload any) func(*protocol.Envelope) ([]byte, bool) {
	return func(*protocol.Envelope) ([]byte, bool) {
		data, err := protocol.Encode(protocol.CmdOK, payload)
		require.NoError(t, err)
		return data, true
	}
}

func TestStatus(t *testing.T) {
	d := startDaemon(t, ok(t, &protocol.StatusResult{Running: true, Pid: 42, Builds: 3}))

	res, err := New(d.socket).Status(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Running)
	assert.Equal(t, 42, res.Pid)
	assert.Equal(t, 3, res.Builds)

	req := <-d.requests
	assert.Equal(t, protocol.CmdStatus, req.Command)
}

func TestBuildSendsRequest(t *testing.T) {
	d := startDaemon(t, ok(t, &protocol.BuildResult{ID: "b1", Image: "/out/image.tar"}))

	res, err := New(d.socket).Build(context.Background(), &protocol.BuildRequest{
		Recipe: "/src/packd.yaml",
		Output: "/out",
	})
	require.NoError(t, err)
	assert.Equal(t, "/out/image.tar", res.Image)

	env := <-d.requests
	require.Equal(t, protocol.CmdBuild, env.Command)
	req, err := protocol.DecodePayload[protocol.BuildRequest](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "/src/packd.yaml", req.Recipe)
}

func TestCachePruneSendsAge(t *testing.T) {
	d := startDaemon(t, ok(t, &protocol.CachePruneResult{Bytes: 10}))

	res, err := New(d.socket).CachePrune(context.Background(), 168*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Bytes)

	env := <-d.requests
	req, err := protocol.DecodePayload[protocol.CachePruneRequest](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, 168*time.Hour, req.OlderThan)
}

func TestShutdownWithoutPayload(t *testing.T) {
	d := startDaemon(t, ok(t, nil))

	require.NoError(t, New(d.socket).Shutdown(context.Background()))
	assert.Equal(t, protocol.CmdShutdown, (<-d.requests).Command)
}

func TestRemoteError(t *testing.T) {
	d := startDaemon(t, func(*protocol.Envelope) ([]byte, bool) {
		data, _ := protocol.Encode(protocol.CmdError, &protocol.ErrorResult{
			Kind:    protocol.KindStageFailed,
			Message: "stage dependencies: exit status 1",
		})
		return data, true
	})

	_, err := New(d.socket).CacheList(context.Background())

	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, protocol.KindStageFailed, re.Kind)
	assert.Equal(t, "stage dependencies: exit status 1", err.Error())
	assert.True(t, errors.Is(err, ErrRemote))
}

func TestUnavailable(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"))

	_, err := c.Status(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestCancelClosesConnection(t *testing.T) {
	d := startDaemon(t, func(*protocol.Envelope) ([]byte, bool) { return nil, false })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := New(d.socket).Build(ctx, &protocol.BuildRequest{Recipe: "/r", Output: "/o"})
		errc <- err
	}()

	<-d.requests
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("call did not return after cancel")
	}

	select {
	case <-d.closed:
	case <-time.After(time.Second):
		t.Fatal("daemon did not observe disconnect")
	}
}
