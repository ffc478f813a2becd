package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-multierror"
)

// Validate checks every setting and reports all problems at once. The
// returned error wraps ErrValidationFailed.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(path, value string, err error) {
		result = multierror.Append(result, &SettingError{Path: path, Value: value, Err: err})
	}

	if _, _, err := net.SplitHostPort(c.Debuggee.Address); err != nil {
		fail("debuggee.address", c.Debuggee.Address, err)
	}
	if c.Debuggee.HandshakeTimeout <= 0 {
		fail("debuggee.handshakeTimeout", c.Debuggee.HandshakeTimeout.String(), errors.New("must be positive"))
	}
	if c.Session.RequestTimeout <= 0 {
		fail("session.requestTimeout", c.Session.RequestTimeout.String(), errors.New("must be positive"))
	}
	if c.Session.ProtocolConstraint != "" {
		if _, err := semver.NewConstraint(c.Session.ProtocolConstraint); err != nil {
			fail("session.protocolConstraint", c.Session.ProtocolConstraint, err)
		}
	}
	if c.Session.ResolveParallelism < 1 {
		fail("session.resolveParallelism", fmt.Sprint(c.Session.ResolveParallelism), errors.New("must be at least 1"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		fail("logging.level", c.Logging.Level, errors.New("must be debug, info, warn or error"))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		fail("logging.format", c.Logging.Format, errors.New("must be console or json"))
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return nil
}
