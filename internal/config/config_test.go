package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Session.RequestTimeout.Std())
	assert.False(t, cfg.Session.FrameCache)
	assert.Equal(t, 8, cfg.Session.ResolveParallelism)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "softdebug.toml", `
[debuggee]
address = "10.0.0.2:4000"

[session]
requestTimeout = "750ms"
frameCache = true

[logging]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2:4000", cfg.Debuggee.Address)
	assert.Equal(t, 750*time.Millisecond, cfg.Session.RequestTimeout.Std())
	assert.True(t, cfg.Session.FrameCache)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched keys keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Debuggee.HandshakeTimeout.Std())
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "softdebug.yaml", `
session:
  requestTimeout: 2s
  resolveParallelism: 2
logging:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Session.RequestTimeout.Std())
	assert.Equal(t, 2, cfg.Session.ResolveParallelism)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEmptyYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "softdebug.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "toml syntax",
			file:    "bad.toml",
			content: "[session\nrequestTimeout = 1",
			check: func(t *testing.T, err error) {
				var perr *ParseError
				require.ErrorAs(t, err, &perr)
				assert.Positive(t, perr.Line)
				assert.Contains(t, perr.Error(), "bad.toml")
			},
		},
		{
			name:    "toml unknown key",
			file:    "unknown.toml",
			content: "[session]\nretries = 3\n",
			check: func(t *testing.T, err error) {
				var perr *ParseError
				require.ErrorAs(t, err, &perr)
			},
		},
		{
			name:    "yaml unknown key",
			file:    "unknown.yaml",
			content: "session:\n  retries: 3\n",
			check: func(t *testing.T, err error) {
				var perr *ParseError
				require.ErrorAs(t, err, &perr)
			},
		},
		{
			name:    "bad duration",
			file:    "duration.toml",
			content: "[session]\nrequestTimeout = \"soon\"\n",
			check: func(t *testing.T, err error) {
				var perr *ParseError
				require.ErrorAs(t, err, &perr)
			},
		},
		{
			name:    "unsupported extension",
			file:    "softdebug.ini",
			content: "address=x",
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrUnsupportedFormat)
			},
		},
		{
			name:    "invalid value",
			file:    "invalid.toml",
			content: "[session]\nresolveParallelism = 0\n",
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrValidationFailed)
				assert.Contains(t, err.Error(), "session.resolveParallelism")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("SOFTDEBUG_ADDRESS", "localhost:9000")
	t.Setenv("SOFTDEBUG_SESSION_FRAME_CACHE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", cfg.Debuggee.Address)
	assert.True(t, cfg.Session.FrameCache)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv([]string{
		"HOME=/root",
		"SOFTDEBUG_TIMEOUT=3s",
		"SOFTDEBUG_LOG_LEVEL=warn",
		"SOFTDEBUG_DEBUGGEE_HANDSHAKE_TIMEOUT=1s",
		"SOFTDEBUG_SESSION_RESOLVE_PARALLELISM=4",
		"SOFTDEBUG_SESSION_PROTOCOL_CONSTRAINT=>= 2.40",
		"SOFTDEBUG_LOGGING_FORMAT=json",
	})
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Session.RequestTimeout.Std())
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, time.Second, cfg.Debuggee.HandshakeTimeout.Std())
	assert.Equal(t, 4, cfg.Session.ResolveParallelism)
	assert.Equal(t, ">= 2.40", cfg.Session.ProtocolConstraint)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestApplyEnvErrors(t *testing.T) {
	err := Default().ApplyEnv([]string{"SOFTDEBUG_SESSION_RETRIES=3"})
	require.ErrorIs(t, err, ErrUnknownSetting)

	err = Default().ApplyEnv([]string{"SOFTDEBUG_SESSION_FRAME_CACHE=maybe"})
	var serr *SettingError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "session.frameCache", serr.Path)
	assert.Equal(t, "maybe", serr.Value)
}

func TestEnvToPath(t *testing.T) {
	tests := map[string]string{
		"SESSION_REQUEST_TIMEOUT":     "session.requestTimeout",
		"DEBUGGEE_ADDRESS":            "debuggee.address",
		"SESSION_RESOLVE_PARALLELISM": "session.resolveParallelism",
		"LOGGING":                     "logging",
	}
	for in, want := range tests {
		assert.Equal(t, want, envToPath(in), in)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Debuggee.Address = "nohost"
	cfg.Session.RequestTimeout = 0
	cfg.Session.ProtocolConstraint = "not a range"
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrValidationFailed)

	for _, path := range []string{
		"debuggee.address",
		"session.requestTimeout",
		"session.protocolConstraint",
		"logging.level",
		"logging.format",
	} {
		assert.Contains(t, err.Error(), path)
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("later")))
}

func TestWatcherReloads(t *testing.T) {
	path := writeFile(t, "softdebug.toml", "[session]\nrequestTimeout = \"1s\"\n")

	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, path, w.Path())

	var (
		mu      sync.Mutex
		reloads []*Config
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(cfg *Config, err error) {
			if err != nil {
				return
			}
			mu.Lock()
			reloads = append(reloads, cfg)
			mu.Unlock()
		})
	}()

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.toml"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("[session]\nrequestTimeout = \"4s\"\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloads) > 0 && reloads[len(reloads)-1].Session.RequestTimeout.Std() == 4*time.Second
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcherReportsBadReload(t *testing.T) {
	path := writeFile(t, "softdebug.toml", "")

	w, err := NewWatcher(path, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)

	errs := make(chan error, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = w.Run(ctx, func(_ *Config, err error) {
			if err != nil {
				errs <- err
			}
		})
	}()

	require.NoError(t, os.WriteFile(path, []byte("[session\n"), 0o644))

	select {
	case err := <-errs:
		var perr *ParseError
		assert.ErrorAs(t, err, &perr)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload error reported")
	}
}
