package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/packd/internal"
	"github.com/cruciblehq/packd/internal/build"
	"github.com/cruciblehq/packd/internal/cache"
	"github.com/cruciblehq/packd/internal/protocol"
	"github.com/cruciblehq/packd/internal/recipe"
	"github.com/cruciblehq/packd/internal/runtime"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Handles a build command.
//
// Loads the recipe named by the request from the shared host filesystem and
// runs it against the container runtime. The build is canceled if the client
// disconnects before it finishes.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.fail(conn, protocol.KindBadRequest, err)
		return
	}
	if err := validateBuildRequest(req); err != nil {
		s.fail(conn, protocol.KindBadRequest, err)
		return
	}

	r, err := recipe.Load(req.Recipe)
	if err != nil {
		s.fail(conn, protocol.KindInvalidRecipe, err)
		return
	}

	opts := build.Options{
		Recipe:   r,
		Platform: req.Platform,
		Output:   req.Output,
		Tag:      req.Tag,
		NoCache:  req.NoCache,
		Metrics:  s.metrics,
	}
	if s.cache != nil {
		opts.Cache = s.cache
	}

	s.track(func() { s.active++ })
	result, err := build.Run(ctx, s.backend, opts)
	s.track(func() {
		s.active--
		if err != nil {
			s.failed++
		} else {
			s.builds++
		}
	})

	s.refreshCacheMetrics(context.WithoutCancel(ctx))

	if err != nil {
		slog.Error("build failed", "recipe", req.Recipe, "error", err)
		s.fail(conn, errorKind(err), err)
		return
	}

	s.respond(conn, protocol.CmdOK, BuildResult(result))
}

func validateBuildRequest(req *protocol.BuildRequest) error {
	if req.Recipe == "" {
		return errors.New("recipe path is required")
	}
	if !filepath.IsAbs(req.Recipe) {
		return fmt.Errorf("recipe path %q must be absolute", req.Recipe)
	}
	if req.Output == "" {
		return errors.New("output directory is required")
	}
	if !filepath.IsAbs(req.Output) {
		return fmt.Errorf("output directory %q must be absolute", req.Output)
	}
	return nil
}

// Handles a status command.
func (s *Server) handleStatus(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	builds, failed, active := s.builds, s.failed, s.active
	s.mu.Unlock()

	res := &protocol.StatusResult{
		Running:     true,
		Version:     internal.VersionString(),
		Pid:         os.Getpid(),
		Uptime:      time.Since(s.startedAt).Truncate(time.Second).String(),
		Builds:      builds,
		Failed:      failed,
		Active:      active,
		Namespace:   s.cfg.Containerd.Namespace,
		Snapshotter: s.cfg.Containerd.Snapshotter,
		Metrics:     s.cfg.Daemon.MetricsAddress,
	}

	if v, err := s.backend.Version(ctx); err != nil {
		slog.Warn("containerd unreachable", "address", s.cfg.Containerd.Address, "error", err)
	} else {
		res.Containerd = v
	}

	if s.cache != nil {
		st, err := s.cache.Stats(ctx)
		if err != nil {
			s.fail(conn, protocol.KindInternal, err)
			return
		}
		res.Cache = &protocol.CacheStats{Path: s.cache.Path(), Entries: st.Entries, Bytes: st.Bytes}
	}

	s.respond(conn, protocol.CmdOK, res)
}

// Handles a cache.list command.
func (s *Server) handleCacheList(ctx context.Context, conn net.Conn) {
	if s.cache == nil {
		s.respond(conn, protocol.CmdOK, &protocol.CacheListResult{Entries: []protocol.CacheEntry{}})
		return
	}

	entries, err := s.cache.List(ctx)
	if err != nil {
		s.fail(conn, protocol.KindInternal, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.CacheListResult{Entries: CacheEntries(entries)})
}

// Handles a cache.prune command.
//
// Entries not used within the requested window are removed from the index
// and their layers released from the cache lease, leaving them to
// containerd's garbage collector unless an image still references them.
func (s *Server) handleCachePrune(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.CachePruneRequest](payload)
	if err != nil {
		s.fail(conn, protocol.KindBadRequest, err)
		return
	}
	if req.OlderThan < 0 {
		s.fail(conn, protocol.KindBadRequest, fmt.Errorf("negative age %s", req.OlderThan))
		return
	}

	res := &protocol.CachePruneResult{Removed: []protocol.CacheEntry{}}
	if s.cache == nil {
		s.respond(conn, protocol.CmdOK, res)
		return
	}

	pruned, err := s.cache.Prune(ctx, req.OlderThan)
	if err != nil {
		s.fail(conn, protocol.KindInternal, err)
		return
	}

	kept, listErr := s.cache.List(ctx)
	if listErr != nil {
		slog.Warn("cache list failed, keeping pruned layers leased", "error", listErr)
	}
	refs := referencedBy(kept)

	for _, e := range pruned {
		if listErr == nil {
			s.release(ctx, e, refs)
		}
		res.Bytes += e.Size
	}
	res.Removed = CacheEntries(pruned)

	s.metrics.CachePruned(len(pruned))
	s.refreshCacheMetrics(ctx)

	slog.Info("cache pruned", "removed", len(pruned), "bytes", res.Bytes, "older_than", req.OlderThan)

	s.respond(conn, protocol.CmdOK, res)
}

// Blobs and snapshots still referenced by cache entries.
type references struct {
	blobs  map[string]bool
	chains map[string]bool
}

func referencedBy(entries []cache.Entry) references {
	refs := references{blobs: make(map[string]bool), chains: make(map[string]bool)}
	for _, e := range entries {
		refs.blobs[e.Digest] = true
		if e.ChainID != "" {
			refs.chains[e.ChainID] = true
		}
	}
	return refs
}

// Releases a pruned entry's blob and snapshot, except those another entry
// still references. The index entry is already gone, so a failure leaves an
// orphan on the lease and is only logged.
func (s *Server) release(ctx context.Context, e cache.Entry, refs references) {
	blob, err := digest.Parse(e.Digest)
	if err != nil {
		slog.Warn("skipping malformed cache entry", "key", e.Key, "error", err)
		return
	}

	layer := runtime.Layer{
		Blob:   ocispec.Descriptor{MediaType: e.MediaType, Digest: blob, Size: e.Size},
		DiffID: digest.Digest(e.DiffID),
	}
	if refs.blobs[e.Digest] {
		layer.Blob.Digest = ""
	}

	chainID := digest.Digest(e.ChainID)
	if refs.chains[e.ChainID] {
		chainID = ""
	}

	if layer.Blob.Digest == "" && chainID == "" {
		return
	}

	if err := s.backend.Release(ctx, chainID, layer); err != nil {
		slog.Warn("failed to release cached layer", "key", e.Key, "layer", e.Digest, "error", err)
	}
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}

// Runs fn with the counters locked.
func (s *Server) track(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Publishes the current cache size to the metrics collector.
func (s *Server) refreshCacheMetrics(ctx context.Context) {
	if s.cache == nil {
		return
	}
	st, err := s.cache.Stats(ctx)
	if err != nil {
		slog.Debug("cache stats unavailable", "error", err)
		return
	}
	s.metrics.CacheSize(st.Entries, st.Bytes)
}

// Maps an error to the kind reported to clients. A system stage failure
// carries both ErrResolve and ErrStageFailed and is reported as a
// resolution failure.
func errorKind(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.KindCanceled
	case errors.Is(err, recipe.ErrInvalidRecipe):
		return protocol.KindInvalidRecipe
	case errors.Is(err, build.ErrResolve):
		return protocol.KindResolve
	case errors.Is(err, build.ErrStageFailed):
		return protocol.KindStageFailed
	case errors.Is(err, build.ErrFileSystemOperation):
		return protocol.KindFileSystem
	case errors.Is(err, build.ErrBuild):
		return protocol.KindBuild
	default:
		return protocol.KindInternal
	}
}

// Converts a build result to its wire form.
func BuildResult(r *build.Result) *protocol.BuildResult {
	out := &protocol.BuildResult{
		ID:         r.ID,
		Image:      r.Image,
		Tag:        r.Tag,
		Manifest:   r.Manifest,
		Config:     r.Config,
		Base:       r.Base,
		Platform:   r.Platform,
		Entrypoint: r.Entrypoint,
		Workdir:    r.Workdir,
		Stages:     make([]protocol.StageResult, len(r.Stages)),
		Duration:   r.Duration,
	}
	for i, st := range r.Stages {
		out.Stages[i] = protocol.StageResult(st)
	}
	for _, req := range r.Requirements {
		out.Requirements = append(out.Requirements, req.String())
	}
	return out
}

// Converts cache index entries to their wire form.
func CacheEntries(entries []cache.Entry) []protocol.CacheEntry {
	out := make([]protocol.CacheEntry, len(entries))
	for i, e := range entries {
		out[i] = protocol.CacheEntry{
			Key:       e.Key,
			Stage:     e.Stage,
			Digest:    e.Digest,
			Size:      e.Size,
			CreatedAt: e.CreatedAt,
			UsedAt:    e.UsedAt,
		}
	}
	return out
}
