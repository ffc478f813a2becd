// Package config loads softdebug configuration.
//
// Settings are layered, lowest priority first:
//
//   - Built-in defaults (Default)
//   - A TOML or YAML file, chosen by extension
//   - SOFTDEBUG_* environment variables
//
// Environment variable names map onto setting paths the same way for every
// setting: SOFTDEBUG_SESSION_REQUEST_TIMEOUT sets session.requestTimeout.
// A few short aliases exist, such as SOFTDEBUG_ADDRESS and
// SOFTDEBUG_LOG_LEVEL.
//
// Watcher reloads the file when it changes so a running session can pick up
// a new request timeout or log level.
package config
