package config

import (
	"fmt"
	"strconv"
	"strings"
)

// envAliases maps short variable names to setting paths.
var envAliases = map[string]string{
	"SOFTDEBUG_ADDRESS":   "debuggee.address",
	"SOFTDEBUG_TIMEOUT":   "session.requestTimeout",
	"SOFTDEBUG_LOG_LEVEL": "logging.level",
}

// setter assigns a string value to one setting.
type setter func(c *Config, value string) error

// settings lists every setting reachable from the environment, keyed by
// dotted path.
var settings = map[string]setter{
	"debuggee.address": func(c *Config, v string) error {
		c.Debuggee.Address = v
		return nil
	},
	"debuggee.handshakeTimeout": func(c *Config, v string) error {
		return c.Debuggee.HandshakeTimeout.UnmarshalText([]byte(v))
	},
	"session.requestTimeout": func(c *Config, v string) error {
		return c.Session.RequestTimeout.UnmarshalText([]byte(v))
	},
	"session.frameCache": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Session.FrameCache = b
		return nil
	},
	"session.protocolConstraint": func(c *Config, v string) error {
		c.Session.ProtocolConstraint = v
		return nil
	},
	"session.resolveParallelism": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Session.ResolveParallelism = n
		return nil
	},
	"logging.level": func(c *Config, v string) error {
		c.Logging.Level = v
		return nil
	},
	"logging.format": func(c *Config, v string) error {
		c.Logging.Format = v
		return nil
	},
}

// ApplyEnv overlays SOFTDEBUG_* variables from environ, which holds
// KEY=value entries as returned by os.Environ. Variables without the prefix
// are ignored; prefixed variables that name no setting are errors.
func (c *Config) ApplyEnv(environ []string) error {
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}

		path, ok := envAliases[key]
		if !ok {
			path = envToPath(strings.TrimPrefix(key, EnvPrefix))
		}

		set, ok := settings[path]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
		}
		if err := set(c, value); err != nil {
			return &SettingError{Path: path, Value: value, Err: err}
		}
	}
	return nil
}

// envToPath converts an environment variable suffix to a setting path.
// SESSION_REQUEST_TIMEOUT becomes session.requestTimeout: the first segment
// names the section and the rest are joined in camelCase.
func envToPath(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	if len(parts) < 2 {
		return strings.ToLower(s)
	}

	var b strings.Builder
	b.WriteString(parts[1])
	for _, p := range parts[2:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return parts[0] + "." + b.String()
}
