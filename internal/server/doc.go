// Runs the packd daemon.
//
// The daemon listens on a Unix domain socket and serves one request per
// connection using the newline-delimited JSON messages defined in the
// protocol package. Builds run in the connection's goroutine, so several
// clients can build at once; each build is isolated by its own ID, lease,
// and containers. Closing the connection cancels the request.
//
// A flock on the lock file keeps a second daemon from starting against the
// same runtime directory. The daemon also writes a PID file so the CLI can
// signal it when the socket is unresponsive. When a metrics address is
// configured, Prometheus metrics are served over HTTP at /metrics.
package server
