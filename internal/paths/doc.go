// Resolves where packd keeps its files.
//
// Runtime files (socket, PID, lock) live under the XDG runtime directory,
// the daemon config under the XDG config home, and the layer cache index
// under the XDG data home. On macOS the platform-native equivalents chosen
// by adrg/xdg are used.
package paths
