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

// Package defaults contains default constants and environment variable
// names used across the stepwise codebase.
package defaults

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// HTTPListenPort is the default port for the HTTP API and the
	// websocket gateway.
	HTTPListenPort = 8080

	// MaxSessions caps the number of live sessions per process. Each
	// session owns a full headless browser, so the cap is deliberately
	// conservative.
	MaxSessions = 10

	// MaxStepsPerSession caps the recording length. Overflow drops the
	// oldest step.
	MaxStepsPerSession = 200

	// SessionTokenBytes is the entropy of a session auth token before
	// base64 encoding.
	SessionTokenBytes = 32

	// ViewportWidth and ViewportHeight are the browser viewport
	// dimensions.
	ViewportWidth  = 1280
	ViewportHeight = 720

	// ScreencastQuality is the JPEG quality (0-100) of streamed frames.
	ScreencastQuality = 60

	// ScreencastMaxFPS caps the rate frames are forwarded to the client.
	// The browser may produce frames faster; the driver throttles.
	ScreencastMaxFPS = 10
)

const (
	// IdleTimeout ends sessions that have seen no client activity.
	IdleTimeout = 30 * time.Minute

	// IdleSweepInterval is how often the session manager looks for idle
	// sessions to evict.
	IdleSweepInterval = 30 * time.Second

	// ReconnectGrace is how long a disconnected session survives before
	// the idle sweep may reap it. Client-initiated socket closes do not
	// end the session.
	ReconnectGrace = 30 * time.Second

	// EndedSessionGrace is how long an ended session stays in the
	// registry so late HTTP reads observe its final state.
	EndedSessionGrace = 30 * time.Second

	// DriverOpTimeout is the hard cap on any single browser protocol
	// operation.
	DriverOpTimeout = 30 * time.Second

	// HealthProbeTimeout bounds the in-page health evaluation.
	HealthProbeTimeout = 3 * time.Second

	// HealthCacheTTL is how long a health probe result is reused.
	HealthCacheTTL = 10 * time.Second

	// HealthProbeInterval is the period of the driver's background
	// health probe.
	HealthProbeInterval = 60 * time.Second

	// HeartbeatAfter is how long a connection may be silent before the
	// gateway pings it.
	HeartbeatAfter = 45 * time.Second

	// HeartbeatClose is how long a connection may be silent before the
	// gateway closes it as idle.
	HeartbeatClose = 75 * time.Second

	// BackpressureWindow is how long the writer tolerates a full
	// outbound queue before closing the connection as a slow consumer.
	BackpressureWindow = 2 * time.Second

	// ShutdownDrain bounds graceful HTTP server shutdown.
	ShutdownDrain = 10 * time.Second
)

const (
	// EventQueueSize bounds the per-connection outbound event queue.
	EventQueueSize = 64

	// InputRateCapacity and InputRateRefill define the token bucket for
	// input events (mouse, keyboard, scroll).
	InputRateCapacity = 120
	InputRateRefill   = 60

	// NavigateRateCapacity and NavigateRateRefill define the token
	// bucket for navigation actions.
	NavigateRateCapacity = 10
	NavigateRateRefill   = 2
)

// Environment variable names. All are read once at process start.
const (
	EnvPort               = "PORT"
	EnvMaxSessions        = "MAX_SESSIONS"
	EnvIdleTimeoutMs      = "IDLE_TIMEOUT_MS"
	EnvMaxStepsPerSession = "MAX_STEPS_PER_SESSION"
	EnvViewportWidth      = "BROWSER_VIEWPORT_WIDTH"
	EnvViewportHeight     = "BROWSER_VIEWPORT_HEIGHT"
	EnvScreencastQuality  = "SCREENCAST_QUALITY"
	EnvScreencastMaxFPS   = "SCREENCAST_MAX_FPS"
	EnvSessionTokenBytes  = "SESSION_TOKEN_BYTES"
	EnvTempDir            = "TEMP_DIR"
	EnvDebug              = "STEPWISE_DEBUG"
)

// TempDir returns the default root for session working directories and
// export staging.
func TempDir() string {
	return filepath.Join(os.TempDir(), "stepwise")
}
