package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "SOFTDEBUG_"

// Config is the complete softdebug configuration.
type Config struct {
	Debuggee DebuggeeConfig `toml:"debuggee" yaml:"debuggee"`
	Session  SessionConfig  `toml:"session" yaml:"session"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
}

// DebuggeeConfig says where the debuggee listens.
type DebuggeeConfig struct {
	// Address is the debuggee's host:port.
	Address string `toml:"address" yaml:"address"`

	// HandshakeTimeout bounds dialing and the protocol handshake.
	HandshakeTimeout Duration `toml:"handshakeTimeout" yaml:"handshakeTimeout"`
}

// SessionConfig tunes the debugger session.
type SessionConfig struct {
	// RequestTimeout bounds every request to the debuggee.
	RequestTimeout Duration `toml:"requestTimeout" yaml:"requestTimeout"`

	// FrameCache reuses stack frames until the debuggee resumes.
	FrameCache bool `toml:"frameCache" yaml:"frameCache"`

	// ProtocolConstraint is the accepted semver range of protocol versions.
	ProtocolConstraint string `toml:"protocolConstraint" yaml:"protocolConstraint"`

	// ResolveParallelism bounds concurrent method resolution.
	ResolveParallelism int `toml:"resolveParallelism" yaml:"resolveParallelism"`
}

// LoggingConfig configures diagnostics.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" yaml:"level"`

	// Format is console or json.
	Format string `toml:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Debuggee: DebuggeeConfig{
			Address:          "127.0.0.1:55555",
			HandshakeTimeout: Duration(5 * time.Second),
		},
		Session: SessionConfig{
			RequestTimeout:     Duration(10 * time.Second),
			ProtocolConstraint: ">= 2.0.0, < 3.0.0",
			ResolveParallelism: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, the file at path (if path is
// not empty) and the environment, then validates it. A missing file is an
// error only when path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the settings in a TOML or YAML file. Keys absent from the
// file keep their current values; unknown keys are errors.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return c.parseTOML(path, data)
	case ".yaml", ".yml":
		return c.parseYAML(path, data)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func (c *Config) parseTOML(path string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		perr := &ParseError{Path: path, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return nil
}

func (c *Config) parseYAML(path string, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		// An empty document leaves the defaults untouched.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &ParseError{Path: path, Message: err.Error(), Err: err}
	}
	return nil
}

// Duration is a time.Duration written as a string such as "750ms" or "10s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String formats the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
