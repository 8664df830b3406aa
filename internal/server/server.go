package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cruciblehq/packd/internal/build"
	"github.com/cruciblehq/packd/internal/cache"
	"github.com/cruciblehq/packd/internal/config"
	"github.com/cruciblehq/packd/internal/metrics"
	"github.com/cruciblehq/packd/internal/paths"
	"github.com/cruciblehq/packd/internal/protocol"
	"github.com/cruciblehq/packd/internal/runtime"
	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
)

const (

	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = "packd"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660

	// Upper bound on a single request line.
	maxRequestSize = 1 << 20

	// Time allowed for in-flight HTTP scrapes when stopping.
	metricsShutdownTimeout = 5 * time.Second
)

// Container backend used by the daemon. [*runtime.Runtime] is the
// production implementation.
type Backend interface {
	build.Backend
	Version(ctx context.Context) (string, error)
	Release(ctx context.Context, chainID digest.Digest, layer runtime.Layer) error
	Close() error
}

// Holds server configuration.
type Options struct {
	Config   *config.Config // Daemon configuration. Nil uses [config.Default].
	PIDFile  string         // Empty uses [paths.PIDFile].
	LockFile string         // Empty uses [paths.LockFile].
}

// Listens on a Unix domain socket and dispatches commands.
type Server struct {
	cfg        config.Config      // Effective configuration.
	pidFile    string             // Path of the PID file.
	lock       *flock.Flock       // Single-instance lock.
	backend    Backend            // Containerd-backed runtime.
	cache      *cache.Store       // Layer cache index; nil when disabled.
	metrics    *metrics.Collector // Build and cache metrics.
	listener   net.Listener       // Listener for incoming connections.
	metricsSrv *http.Server       // Serves /metrics; nil when disabled.
	startedAt  time.Time          // Timestamp when the server started.
	builds     int                // Builds that completed successfully.
	failed     int                // Builds that failed.
	active     int                // Builds in progress.
	done       chan struct{}      // Closed when the server stops.
	stopOnce   sync.Once          // Guards Stop.
	mu         sync.Mutex         // Protects the counters.
}

// Creates a new server instance connected to containerd.
//
// The socket is not opened until [Server.Start] is called.
func New(opts Options) (*Server, error) {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	rt, err := runtime.New(cfg.Containerd.Address, cfg.Containerd.Namespace, cfg.Containerd.Snapshotter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	return newServer(opts, rt), nil
}

func newServer(opts Options, be Backend) *Server {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	pidFile := opts.PIDFile
	if pidFile == "" {
		pidFile = paths.PIDFile()
	}
	lockFile := opts.LockFile
	if lockFile == "" {
		lockFile = paths.LockFile()
	}

	return &Server{
		cfg:     cfg,
		pidFile: pidFile,
		lock:    flock.New(lockFile),
		backend: be,
		metrics: metrics.New(),
		done:    make(chan struct{}),
	}
}

// Takes the single-instance lock, opens the layer cache, and begins
// accepting connections on the Unix socket.
func (s *Server) Start() error {
	if err := s.acquireLock(); err != nil {
		return err
	}

	if s.cfg.Cache.Enabled {
		store, err := cache.Open(s.cfg.Cache.Path)
		if err != nil {
			s.releaseLock()
			return fmt.Errorf("%w: %w", ErrServer, err)
		}
		s.cache = store
		s.refreshCacheMetrics(context.Background())
	}

	listener, err := listen(s.cfg.Daemon.Socket)
	if err != nil {
		s.closeCache()
		s.releaseLock()
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := s.writePID(); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	if err := s.serveMetrics(); err != nil {
		s.listener.Close()
		s.closeCache()
		s.releaseLock()
		return err
	}

	slog.Info("server listening on socket", "path", s.cfg.Daemon.Socket)

	go s.accept()
	return nil
}

// Takes the lock file without blocking. A held lock means another daemon is
// serving the same runtime directory.
func (s *Server) acquireLock() error {
	if err := os.MkdirAll(filepath.Dir(s.lock.Path()), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %v", ErrServer, err)
	}

	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrServer, s.lock.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is held by another process", ErrAlreadyRunning, s.lock.Path())
	}
	return nil
}

func (s *Server) releaseLock() {
	if err := s.lock.Unlock(); err != nil {
		slog.Warn("failed to release lock", "path", s.lock.Path(), "error", err)
	}
}

func (s *Server) closeCache() {
	if s.cache == nil {
		return
	}
	if err := s.cache.Close(); err != nil {
		slog.Warn("failed to close layer cache", "error", err)
	}
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %v", ErrServer, socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. Any user in the packd group
// can connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return fmt.Errorf("%w: failed to chmod socket %s: %v", ErrServer, socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Starts the HTTP listener for /metrics when an address is configured.
func (s *Server) serveMetrics() error {
	addr := s.cfg.Daemon.MetricsAddress
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: metrics listener %s: %v", ErrServer, addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	s.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	slog.Info("serving metrics", "address", ln.Addr().String())
	return nil
}

// Shuts down the server and cleans up resources. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			s.listener.Close()
		}

		if s.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			if err := s.metricsSrv.Shutdown(ctx); err != nil {
				slog.Warn("metrics server shutdown", "error", err)
			}
			cancel()
		}

		if s.backend != nil {
			s.backend.Close()
		}

		s.closeCache()

		os.Remove(s.cfg.Daemon.Socket)
		os.Remove(s.pidFile)

		s.releaseLock()
	})
	return nil
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Returns a channel closed when the server stops.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		go s.handle(conn)
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(io.LimitReader(conn, maxRequestSize))

	line, err := reader.ReadBytes(protocol.Delimiter)
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}

	env, payload, err := protocol.Decode(line)
	if err != nil {
		s.fail(conn, protocol.KindBadRequest, err)
		return
	}

	slog.Info("command received", "command", env.Command)

	ctx, cancel := contextWithDisconnect(context.Background(), reader)
	defer cancel()

	s.dispatch(ctx, conn, env.Command, payload)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd protocol.Command, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdBuild:
		s.handleBuild(ctx, conn, payload)
	case protocol.CmdStatus:
		s.handleStatus(ctx, conn)
	case protocol.CmdCacheList:
		s.handleCacheList(ctx, conn)
	case protocol.CmdCachePrune:
		s.handleCachePrune(ctx, conn, payload)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Kind:    protocol.KindBadRequest,
			Message: fmt.Sprintf("unknown command: %s", cmd),
		})
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	data = append(data, protocol.Delimiter)
	if _, err := conn.Write(data); err != nil {
		slog.Debug("write response failed", "command", cmd, "error", err)
	}
}

// Responds with an error of the given kind.
func (s *Server) fail(conn net.Conn, kind protocol.ErrorKind, err error) {
	s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Kind: kind, Message: err.Error()})
}

// Writes the daemon PID to the PID file so the CLI can detect whether the
// daemon is already running and send it signals.
func (s *Server) writePID() error {
	if err := os.MkdirAll(filepath.Dir(s.pidFile), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(s.pidFile, []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled when the remote end of the
// connection closes.
//
// Detection works by reading from r in a background goroutine. The read blocks
// until the peer closes the connection, at which point it returns an error and
// the derived context is cancelled. Clients send nothing after their request,
// so any data that does arrive also cancels the context. The returned
// [context.CancelFunc] must always be called to release resources.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}
