// Parses flags and runs packd subcommands.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Daemon Unix socket path.
//	-c, --config    Daemon configuration file.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity
// before the subcommand runs.
//
// Builds go through the daemon unless --local is given, in which case the
// CLI connects to containerd and the layer cache itself.
package cli
