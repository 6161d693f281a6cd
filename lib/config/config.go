/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config builds the process configuration record from the
// environment. The record is built once at startup; components receive
// their slice of it by value and there are no mutable globals.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/stepwisehq/stepwise/lib/defaults"
)

// Config is the full process configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// MaxSessions caps live sessions per process.
	MaxSessions int

	// IdleTimeout ends sessions with no client activity.
	IdleTimeout time.Duration

	// MaxStepsPerSession caps the recording length.
	MaxStepsPerSession int

	// ViewportWidth and ViewportHeight set the browser viewport.
	ViewportWidth  int
	ViewportHeight int

	// ScreencastQuality is the JPEG quality of streamed frames (0-100).
	ScreencastQuality int

	// ScreencastMaxFPS caps the frame rate forwarded to clients.
	ScreencastMaxFPS int

	// SessionTokenBytes is the entropy of session tokens.
	SessionTokenBytes int

	// TempDir is the root under which per-session working directories
	// are created.
	TempDir string

	// Debug enables debug logging.
	Debug bool
}

// FromEnv reads the configuration from the environment and applies
// defaults for anything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{}

	var err error
	if cfg.Port, err = intEnv(defaults.EnvPort, defaults.HTTPListenPort); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.MaxSessions, err = intEnv(defaults.EnvMaxSessions, defaults.MaxSessions); err != nil {
		return nil, trace.Wrap(err)
	}
	idleMs, err := intEnv(defaults.EnvIdleTimeoutMs, int(defaults.IdleTimeout/time.Millisecond))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.IdleTimeout = time.Duration(idleMs) * time.Millisecond
	if cfg.MaxStepsPerSession, err = intEnv(defaults.EnvMaxStepsPerSession, defaults.MaxStepsPerSession); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ViewportWidth, err = intEnv(defaults.EnvViewportWidth, defaults.ViewportWidth); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ViewportHeight, err = intEnv(defaults.EnvViewportHeight, defaults.ViewportHeight); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ScreencastQuality, err = intEnv(defaults.EnvScreencastQuality, defaults.ScreencastQuality); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.ScreencastMaxFPS, err = intEnv(defaults.EnvScreencastMaxFPS, defaults.ScreencastMaxFPS); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.SessionTokenBytes, err = intEnv(defaults.EnvSessionTokenBytes, defaults.SessionTokenBytes); err != nil {
		return nil, trace.Wrap(err)
	}

	cfg.TempDir = os.Getenv(defaults.EnvTempDir)
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "stepwise")
	}
	cfg.Debug = os.Getenv(defaults.EnvDebug) != ""

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Port <= 0 || c.Port > 65535 {
		return trace.BadParameter("port: out of range (%d)", c.Port)
	}
	if c.MaxSessions <= 0 {
		return trace.BadParameter("max sessions: must be positive (%d)", c.MaxSessions)
	}
	if c.IdleTimeout <= 0 {
		return trace.BadParameter("idle timeout: must be positive (%v)", c.IdleTimeout)
	}
	if c.MaxStepsPerSession <= 0 {
		return trace.BadParameter("max steps per session: must be positive (%d)", c.MaxStepsPerSession)
	}
	if c.ViewportWidth <= 0 || c.ViewportWidth >= 4096 ||
		c.ViewportHeight <= 0 || c.ViewportHeight >= 4096 {
		return trace.BadParameter("viewport: bad dimensions (%dx%d)", c.ViewportWidth, c.ViewportHeight)
	}
	if c.ScreencastQuality < 0 || c.ScreencastQuality > 100 {
		return trace.BadParameter("screencast quality: out of range (%d)", c.ScreencastQuality)
	}
	if c.ScreencastMaxFPS <= 0 || c.ScreencastMaxFPS > 60 {
		return trace.BadParameter("screencast max fps: out of range (%d)", c.ScreencastMaxFPS)
	}
	if c.SessionTokenBytes < 16 {
		return trace.BadParameter("session token bytes: too small (%d)", c.SessionTokenBytes)
	}
	return nil
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, trace.BadParameter("%s: expected integer, got %q", name, v)
	}
	return n, nil
}
