package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cruciblehq/packd/internal/build"
	"github.com/cruciblehq/packd/internal/cache"
	"github.com/cruciblehq/packd/internal/config"
	"github.com/cruciblehq/packd/internal/protocol"
	"github.com/cruciblehq/packd/internal/recipe"
	"github.com/cruciblehq/packd/internal/requirements"
	"github.com/cruciblehq/packd/internal/runtime"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backend that records releases and fails every build at base resolution.
type stubBackend struct {
	mu            sync.Mutex
	version       string
	released      []digest.Digest // Released chain IDs.
	releasedBlobs []digest.Digest
	closed        bool
}

func (b *stubBackend) WithLease(ctx context.Context) (context.Context, func(context.Context) error, error) {
	return ctx, func(context.Context) error { return nil }, nil
}

func (b *stubBackend) ResolveBase(ctx context.Context, src runtime.BaseSource, platform string) (*runtime.Base, error) {
	return nil, fmt.Errorf("%w: %s not found", runtime.ErrResolve, src)
}

func (b *stubBackend) HasLayer(ctx context.Context, layer runtime.Layer) (bool, error) {
	return false, nil
}

func (b *stubBackend) RunStage(ctx context.Context, spec runtime.StageSpec) (runtime.Layer, error) {
	return runtime.Layer{}, errors.New("not implemented")
}

func (b *stubBackend) Export(ctx context.Context, spec runtime.ExportSpec) (*runtime.ExportResult, error) {
	return nil, errors.New("not implemented")
}

func (b *stubBackend) Retain(ctx context.Context, chainID digest.Digest, layer runtime.Layer) error {
	return nil
}

func (b *stubBackend) Version(ctx context.Context) (string, error) {
	if b.version == "" {
		return "", errors.New("connection refused")
	}
	return b.version, nil
}

func (b *stubBackend) Release(ctx context.Context, chainID digest.Digest, layer runtime.Layer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if chainID != "" {
		b.released = append(b.released, chainID)
	}
	if layer.Blob.Digest != "" {
		b.releasedBlobs = append(b.releasedBlobs, layer.Blob.Digest)
	}
	return nil
}

func (b *stubBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Unix socket paths are length-limited, so tests use a short temp dir.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "packd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testServer(t *testing.T, be *stubBackend, withCache bool) *Server {
	t.Helper()

	dir := shortDir(t)
	cfg := config.Default()
	cfg.Daemon.Socket = filepath.Join(dir, "packd.sock")
	cfg.Cache.Enabled = withCache
	cfg.Cache.Path = filepath.Join(dir, "cache.db")

	s := newServer(Options{
		Config:   &cfg,
		PIDFile:  filepath.Join(dir, "packd.pid"),
		LockFile: filepath.Join(dir, "packd.lock"),
	}, be)
	s.startedAt = time.Now()

	if withCache {
		store, err := cache.Open(cfg.Cache.Path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		s.cache = store
	}
	return s
}

// Sends one request through handle and returns the response envelope.
func roundTrip(t *testing.T, s *Server, cmd protocol.Command, payload any) (protocol.Command, json.RawMessage) {
	t.Helper()

	data, err := protocol.Encode(cmd, payload)
	require.NoError(t, err)
	return rawRoundTrip(t, s, append(data, protocol.Delimiter))
}

func rawRoundTrip(t *testing.T, s *Server, request []byte) (protocol.Command, json.RawMessage) {
	t.Helper()

	client, srv := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.handle(srv)
		close(done)
	}()

	_, err := client.Write(request)
	require.NoError(t, err)

	line, err := bufio.NewReader(client).ReadBytes(protocol.Delimiter)
	require.NoError(t, err)
	client.Close()
	<-done

	env, payload, err := protocol.Decode(line)
	require.NoError(t, err)
	return env.Command, payload
}

func decodeError(t *testing.T, cmd protocol.Command, payload json.RawMessage) *protocol.ErrorResult {
	t.Helper()
	require.Equal(t, protocol.CmdError, cmd)
	res, err := protocol.DecodePayload[protocol.ErrorResult](payload)
	require.NoError(t, err)
	return res
}

func TestContextWithDisconnect(t *testing.T) {
	client, srv := net.Pipe()
	defer srv.Close()

	ctx, cancel := contextWithDisconnect(context.Background(), srv)
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before disconnect")
	case <-time.After(20 * time.Millisecond):
	}

	client.Close()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after disconnect")
	}
}

func TestStatus(t *testing.T) {
	s := testServer(t, &stubBackend{version: "v2.2.1"}, true)

	cmd, payload := roundTrip(t, s, protocol.CmdStatus, nil)
	require.Equal(t, protocol.CmdOK, cmd)

	res, err := protocol.DecodePayload[protocol.StatusResult](payload)
	require.NoError(t, err)
	assert.True(t, res.Running)
	assert.Equal(t, os.Getpid(), res.Pid)
	assert.Equal(t, "v2.2.1", res.Containerd)
	assert.Equal(t, "packd", res.Namespace)
	require.NotNil(t, res.Cache)
	assert.Equal(t, 0, res.Cache.Entries)
}

func TestStatusWithoutContainerdOrCache(t *testing.T) {
	s := testServer(t, &stubBackend{}, false)

	cmd, payload := roundTrip(t, s, protocol.CmdStatus, nil)
	require.Equal(t, protocol.CmdOK, cmd)

	res, err := protocol.DecodePayload[protocol.StatusResult](payload)
	require.NoError(t, err)
	assert.Empty(t, res.Containerd)
	assert.Nil(t, res.Cache)
}

func TestUnknownCommand(t *testing.T) {
	s := testServer(t, &stubBackend{}, false)

	cmd, payload := roundTrip(t, s, protocol.Command("image.start"), nil)
	res := decodeError(t, cmd, payload)
	assert.Equal(t, protocol.KindBadRequest, res.Kind)
	assert.Contains(t, res.Message, "unknown command")
}

func TestMalformedRequest(t *testing.T) {
	s := testServer(t, &stubBackend{}, false)

	cmd, payload := rawRoundTrip(t, s, []byte("not json\n"))
	res := decodeError(t, cmd, payload)
	assert.Equal(t, protocol.KindBadRequest, res.Kind)
}

func TestCacheListAndPrune(t *testing.T) {
	be := &stubBackend{}
	s := testServer(t, be, true)
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		require.NoError(t, s.cache.Store(ctx, cache.Entry{
			Key:     "key-" + k,
			Stage:   "copy",
			Digest:  digest.FromString("blob-" + k).String(),
			DiffID:  digest.FromString("diff-" + k).String(),
			ChainID: digest.FromString("chain-" + k).String(),
			Size:    100,
		}))
	}

	cmd, payload := roundTrip(t, s, protocol.CmdCacheList, nil)
	require.Equal(t, protocol.CmdOK, cmd)
	list, err := protocol.DecodePayload[protocol.CacheListResult](payload)
	require.NoError(t, err)
	assert.Len(t, list.Entries, 2)

	cmd, payload = roundTrip(t, s, protocol.CmdCachePrune, &protocol.CachePruneRequest{OlderThan: time.Hour})
	require.Equal(t, protocol.CmdOK, cmd)
	pruned, err := protocol.DecodePayload[protocol.CachePruneResult](payload)
	require.NoError(t, err)
	assert.Empty(t, pruned.Removed)
	assert.Empty(t, be.released)

	cmd, payload = roundTrip(t, s, protocol.CmdCachePrune, &protocol.CachePruneRequest{})
	require.Equal(t, protocol.CmdOK, cmd)
	pruned, err = protocol.DecodePayload[protocol.CachePruneResult](payload)
	require.NoError(t, err)
	assert.Len(t, pruned.Removed, 2)
	assert.Equal(t, int64(200), pruned.Bytes)
	assert.ElementsMatch(t, []digest.Digest{
		digest.FromString("chain-a"),
		digest.FromString("chain-b"),
	}, be.released)
	assert.ElementsMatch(t, []digest.Digest{
		digest.FromString("blob-a"),
		digest.FromString("blob-b"),
	}, be.releasedBlobs)

	st, err := s.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
}

func TestReleaseSkipsReferencedLayers(t *testing.T) {
	be := &stubBackend{}
	s := testServer(t, be, false)
	ctx := context.Background()

	sharedBlob := digest.FromString("blob-shared")
	sharedChain := digest.FromString("chain-shared")
	otherChain := digest.FromString("chain-other")
	onlyBlob := digest.FromString("blob-only")
	onlyChain := digest.FromString("chain-only")

	refs := referencedBy([]cache.Entry{
		{Key: "fresh", Digest: sharedBlob.String(), ChainID: sharedChain.String()},
	})

	s.release(ctx, cache.Entry{Key: "same-layer", Digest: sharedBlob.String(), ChainID: sharedChain.String()}, refs)
	s.release(ctx, cache.Entry{Key: "same-blob", Digest: sharedBlob.String(), ChainID: otherChain.String()}, refs)
	s.release(ctx, cache.Entry{Key: "unshared", Digest: onlyBlob.String(), ChainID: onlyChain.String()}, refs)

	assert.Equal(t, []digest.Digest{onlyBlob}, be.releasedBlobs)
	assert.Equal(t, []digest.Digest{otherChain, onlyChain}, be.released)
}

func TestCachePruneRejectsNegativeAge(t *testing.T) {
	s := testServer(t, &stubBackend{}, true)

	cmd, payload := roundTrip(t, s, protocol.CmdCachePrune, &protocol.CachePruneRequest{OlderThan: -time.Hour})
	res := decodeError(t, cmd, payload)
	assert.Equal(t, protocol.KindBadRequest, res.Kind)
}

func TestCacheDisabled(t *testing.T) {
	s := testServer(t, &stubBackend{}, false)

	cmd, payload := roundTrip(t, s, protocol.CmdCacheList, nil)
	require.Equal(t, protocol.CmdOK, cmd)
	list, err := protocol.DecodePayload[protocol.CacheListResult](payload)
	require.NoError(t, err)
	assert.Empty(t, list.Entries)
}

func TestBuildRequestValidation(t *testing.T) {
	s := testServer(t, &stubBackend{}, false)

	tests := []struct {
		name string
		req  protocol.BuildRequest
		kind protocol.ErrorKind
	}{
		{"missing recipe", protocol.BuildRequest{Output: "/tmp/out"}, protocol.KindBadRequest},
		{"relative recipe", protocol.BuildRequest{Recipe: "packd.yaml", Output: "/tmp/out"}, protocol.KindBadRequest},
		{"relative output", protocol.BuildRequest{Recipe: "/tmp/packd.yaml", Output: "dist"}, protocol.KindBadRequest},
		{"missing file", protocol.BuildRequest{Recipe: "/nonexistent/packd.yaml", Output: "/tmp/out"}, protocol.KindInvalidRecipe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			cmd, payload := roundTrip(t, s, protocol.CmdBuild, &req)
			res := decodeError(t, cmd, payload)
			assert.Equal(t, tt.kind, res.Kind)
		})
	}
}

func TestBuildFailureIsReported(t *testing.T) {
	s := testServer(t, &stubBackend{}, true)

	dir := t.TempDir()
	data, err := recipe.Default().Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, recipe.DefaultFile), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644))

	cmd, payload := roundTrip(t, s, protocol.CmdBuild, &protocol.BuildRequest{
		Recipe: filepath.Join(dir, recipe.DefaultFile),
		Output: filepath.Join(dir, "dist"),
	})
	res := decodeError(t, cmd, payload)
	assert.Equal(t, protocol.KindResolve, res.Kind)

	assert.Equal(t, 1, s.failed)
	assert.Zero(t, s.active)
	assert.Zero(t, s.builds)
}

func TestShutdownStopsServer(t *testing.T) {
	be := &stubBackend{}
	s := testServer(t, be, false)

	cmd, _ := roundTrip(t, s, protocol.CmdShutdown, nil)
	require.Equal(t, protocol.CmdOK, cmd)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStartStop(t *testing.T) {
	be := &stubBackend{}
	s := testServer(t, be, false)

	require.NoError(t, s.Start())

	_, err := os.Stat(s.cfg.Daemon.Socket)
	require.NoError(t, err)
	pid, err := os.ReadFile(s.pidFile)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(os.Getpid()), string(pid))

	second := newServer(Options{
		Config:   &s.cfg,
		PIDFile:  s.pidFile,
		LockFile: s.lock.Path(),
	}, &stubBackend{})
	err = second.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	conn, err := net.Dial("unix", s.cfg.Daemon.Socket)
	require.NoError(t, err)
	data, err := protocol.Encode(protocol.CmdStatus, nil)
	require.NoError(t, err)
	_, err = conn.Write(append(data, protocol.Delimiter))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadBytes(protocol.Delimiter)
	require.NoError(t, err)
	conn.Close()
	env, _, err := protocol.Decode(line)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdOK, env.Command)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	s.Wait()

	assert.True(t, be.closed)
	_, err = os.Stat(s.cfg.Daemon.Socket)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want protocol.ErrorKind
	}{
		{"canceled", fmt.Errorf("%w: %w", build.ErrBuild, context.Canceled), protocol.KindCanceled},
		{"invalid recipe", fmt.Errorf("%w: %w", build.ErrBuild, recipe.ErrInvalidRecipe), protocol.KindInvalidRecipe},
		{"system stage", fmt.Errorf("%w: %w: %w", build.ErrBuild, build.ErrResolve, build.ErrStageFailed), protocol.KindResolve},
		{"stage", fmt.Errorf("%w: %w", build.ErrBuild, build.ErrStageFailed), protocol.KindStageFailed},
		{"filesystem", fmt.Errorf("%w: %w", build.ErrBuild, build.ErrFileSystemOperation), protocol.KindFileSystem},
		{"build", fmt.Errorf("%w: export", build.ErrBuild), protocol.KindBuild},
		{"other", errors.New("boom"), protocol.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}

func TestBuildResultConversion(t *testing.T) {
	res := BuildResult(&build.Result{
		ID:    "b1",
		Image: "/out/image.tar",
		Stages: []build.StageResult{
			{Name: "system", Outcome: "cached", Key: "sha256:k", Size: 42},
		},
		Requirements: []requirements.Requirement{{Name: "numpy", Constraint: "==1.26.4"}},
	})

	assert.Equal(t, "b1", res.ID)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, protocol.StageResult{Name: "system", Outcome: "cached", Key: "sha256:k", Size: 42}, res.Stages[0])
	assert.Equal(t, []string{"numpy==1.26.4"}, res.Requirements)
}
