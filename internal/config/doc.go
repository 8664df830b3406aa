// Package config loads daemon settings for packd.
//
// Settings come from three layers, later layers winning:
//
//   - built-in defaults ([Default])
//   - a TOML file, by default $XDG_CONFIG_HOME/packd/config.toml
//   - PACKD_* environment variables, optionally seeded from a .env file
//
// A missing config file is not an error; the defaults apply. The resulting
// [Config] is validated before it is returned.
package config
