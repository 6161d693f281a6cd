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

// Package session implements the session registry and lifecycle: one
// browser, one client and one step recording per session, with idle
// eviction and bounded step storage.
package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stepwisehq/stepwise"
	"github.com/stepwisehq/stepwise/lib/browser"
	"github.com/stepwisehq/stepwise/lib/defaults"
	"github.com/stepwisehq/stepwise/lib/secret"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Clock drives timeouts and the idle sweep.
	Clock clockwork.Clock
	// Log is the parent logger.
	Log logrus.FieldLogger
	// MaxSessions caps concurrently live sessions.
	MaxSessions int
	// IdleTimeout ends sessions with no client activity.
	IdleTimeout time.Duration
	// EndedGrace keeps ended sessions visible before eviction.
	EndedGrace time.Duration
	// ReconnectGrace is how long a session survives after its client
	// disconnects. Socket loss does not end the session immediately; a
	// reconnect within the window resumes it.
	ReconnectGrace time.Duration
	// MaxStepsPerSession caps the step store.
	MaxStepsPerSession int
	// TempDir is the root for session working directories.
	TempDir string
	// TokenBytes sizes session tokens.
	TokenBytes int
	// Viewport is the browser viewport for new sessions.
	Viewport browser.Viewport
	// NewDriver builds the browser driver for a starting session.
	NewDriver func() (Driver, error)
	// OnSessionEnd is called after a session ends, for per-session state
	// held elsewhere (rate limit buckets, export files). Optional.
	OnSessionEnd func(sessionID string)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.NewDriver == nil {
		return trace.BadParameter("missing parameter NewDriver")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(stepwise.Component, stepwise.ComponentSession)
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = defaults.MaxSessions
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.EndedGrace == 0 {
		c.EndedGrace = defaults.EndedSessionGrace
	}
	if c.ReconnectGrace == 0 {
		c.ReconnectGrace = defaults.ReconnectGrace
	}
	if c.MaxStepsPerSession == 0 {
		c.MaxStepsPerSession = defaults.MaxStepsPerSession
	}
	if c.TempDir == "" {
		c.TempDir = defaults.TempDir()
	}
	if c.TokenBytes == 0 {
		c.TokenBytes = defaults.SessionTokenBytes
	}
	if c.Viewport.Width == 0 {
		c.Viewport.Width = defaults.ViewportWidth
	}
	if c.Viewport.Height == 0 {
		c.Viewport.Height = defaults.ViewportHeight
	}
	return nil
}

// Manager owns the session registry. The registry lock guards only
// short map operations; no driver call happens under it.
type Manager struct {
	cfg ManagerConfig
	log logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session

	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager creates a Manager and starts its idle sweep.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Log,
		sessions: make(map[string]*Session),
		closed:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m, nil
}

// Create registers a new session in CREATED state and returns it with
// its fresh token.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	token, err := secret.NewToken(m.cfg.TokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id := secret.NewID()

	m.mu.Lock()
	defer m.mu.Unlock()
	live := 0
	for _, s := range m.sessions {
		switch s.Status() {
		case StatusEnded, StatusFailed:
		default:
			live++
		}
	}
	if live >= m.cfg.MaxSessions {
		return nil, trace.LimitExceeded("session limit of %d reached", m.cfg.MaxSessions)
	}
	s := newSession(id, token, m.cfg.TempDir, m.cfg.MaxStepsPerSession, m.cfg.Clock, m.log)
	m.sessions[id] = s
	m.log.WithField("session_id", id).Info("Session created.")
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %v not found", id)
	}
	return s, nil
}

// Authenticate returns the session iff the token matches, compared in
// constant time. Unknown session and bad token are indistinguishable.
func (m *Manager) Authenticate(id, token string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, trace.AccessDenied("invalid session or token")
	}
	if !secret.Equal(s.Token, token) {
		return nil, trace.AccessDenied("invalid session or token")
	}
	return s, nil
}

// Start launches the session's browser and transitions it to ACTIVE.
// On failure the session transitions to FAILED and keeps the error.
func (m *Manager) Start(ctx context.Context, id, startURL string) error {
	s, err := m.Get(id)
	if err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	if s.status != StatusCreated {
		status := s.status
		s.mu.Unlock()
		return trace.BadParameter("session %v is %v, expected created", id, status)
	}
	s.status = StatusStarting
	s.mu.Unlock()

	driver, err := m.cfg.NewDriver()
	if err != nil {
		m.failSession(s, err)
		return trace.Wrap(err)
	}
	info, err := driver.Start(ctx, m.cfg.Viewport, startURL)
	if err != nil {
		_ = driver.Close(ctx)
		m.failSession(s, err)
		return trace.Wrap(err)
	}

	recorder := newRecorder(s, driver, m.cfg.Clock, s.log)
	recorder.setInitialURL(info.URL)

	s.mu.Lock()
	if s.status != StatusStarting {
		// The session was ended while the browser was launching. It must
		// not come back: close the browser and leave the final state alone.
		status := s.status
		s.mu.Unlock()
		_ = driver.Close(ctx)
		return trace.BadParameter("session %v is %v, expected starting", id, status)
	}
	s.driver = driver
	s.recorder = recorder
	s.status = StatusActive
	s.url = info.URL
	s.title = info.Title
	s.lastActive = m.cfg.Clock.Now()
	s.mu.Unlock()

	go m.watchDriver(s, driver, recorder)
	s.log.WithField("url", info.URL).Info("Session started.")
	return nil
}

func (m *Manager) failSession(s *Session, cause error) {
	s.mu.Lock()
	switch s.status {
	case StatusEnding, StatusEnded, StatusFailed:
		// Already in a terminal state; do not resurrect it as failed.
		s.mu.Unlock()
		return
	}
	s.status = StatusFailed
	s.errMessage = cause.Error()
	s.driver = nil
	s.recorder = nil
	s.endedAt = m.cfg.Clock.Now()
	s.mu.Unlock()
	s.publish(StateEvent{Status: StatusFailed, Reason: cause.Error()})
	s.log.WithError(cause).Warn("Session failed.")
}

// watchDriver routes the driver's event stream into the session until
// the driver closes.
func (m *Manager) watchDriver(s *Session, driver Driver, recorder *Recorder) {
	for ev := range driver.Events() {
		switch ev := ev.(type) {
		case browser.NavigationEvent:
			s.setLocation(ev.URL, ev.Title)
			recorder.RecordNavigation(context.Background(), ev.URL, ev.Trigger)
		case browser.CdpErrorEvent:
			s.publish(CdpErrorEvent{Op: ev.Op, Code: ev.Code, Message: ev.Message})
		case browser.HealthEvent:
			s.setHealth(ev.Status)
		case browser.ClosedEvent:
			if s.Status() == StatusActive {
				cause := ev.Err
				if cause == nil {
					cause = trace.ConnectionProblem(nil, "browser closed unexpectedly")
				}
				m.failSession(s, cause)
				m.cleanupSession(s)
			}
		}
	}
}

// End reasons reported on the final state event, letting the gateway
// pick the matching close code.
const (
	EndReasonRequested = "session ended"
	EndReasonIdle      = "idle timeout"
	EndReasonShutdown  = "server shutting down"
)

// End stops the session's browser, removes its working directory and
// marks it ENDED. Idempotent; the registry entry is evicted after a
// grace period by the sweep.
func (m *Manager) End(ctx context.Context, id string) error {
	return m.endWithReason(ctx, id, EndReasonRequested)
}

func (m *Manager) endWithReason(ctx context.Context, id, reason string) error {
	s, err := m.Get(id)
	if err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	switch s.status {
	case StatusEnding, StatusEnded, StatusFailed:
		s.mu.Unlock()
		return nil
	}
	s.status = StatusEnding
	driver := s.driver
	s.driver = nil
	s.recorder = nil
	s.mu.Unlock()

	if driver != nil {
		_ = driver.StopScreencast()
		_ = driver.Close(ctx)
	}

	s.mu.Lock()
	s.status = StatusEnded
	s.endedAt = m.cfg.Clock.Now()
	s.mu.Unlock()

	s.publish(StateEvent{Status: StatusEnded, Reason: reason})
	m.cleanupSession(s)
	s.log.Info("Session ended.")
	return nil
}

func (m *Manager) cleanupSession(s *Session) {
	s.mu.Lock()
	s.unbindLocked()
	workdir := s.workdir
	made := s.workdirMade
	s.workdirMade = false
	s.mu.Unlock()

	if made {
		if err := os.RemoveAll(workdir); err != nil {
			s.log.WithError(err).Warn("Removing session working directory failed.")
		}
	}
	if m.cfg.OnSessionEnd != nil {
		m.cfg.OnSessionEnd(s.ID)
	}
}

// Snapshots lists all registered sessions.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// ActiveCount reports sessions currently in ACTIVE state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status() == StatusActive {
			n++
		}
	}
	return n
}

func (m *Manager) sweepLoop() {
	// Short timeouts need a faster sweep than the default interval, or an
	// idle session would outlive its timeout by most of a sweep period.
	interval := defaults.IdleSweepInterval
	if m.cfg.IdleTimeout < interval {
		interval = m.cfg.IdleTimeout
	}
	if m.cfg.ReconnectGrace < interval {
		interval = m.cfg.ReconnectGrace
	}
	ticker := m.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.sweep()
		case <-m.closed:
			return
		}
	}
}

// sweep ends idle ACTIVE sessions and evicts ENDED/FAILED sessions
// whose grace period expired. Errors are logged; the sweep continues.
func (m *Manager) sweep() {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	var idle []string
	var evict []string
	for id, s := range m.sessions {
		s.mu.Lock()
		switch s.status {
		case StatusActive:
			if now.Sub(s.lastActive) > m.cfg.IdleTimeout {
				idle = append(idle, id)
			} else if !s.disconnected.IsZero() && now.Sub(s.disconnected) > m.cfg.ReconnectGrace {
				idle = append(idle, id)
			}
		case StatusEnded, StatusFailed:
			if now.Sub(s.endedAt) > m.cfg.EndedGrace {
				evict = append(evict, id)
			}
		}
		s.mu.Unlock()
	}
	for _, id := range evict {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.log.WithField("session_id", id).Info("Ending idle session.")
		if err := m.endWithReason(context.Background(), id, EndReasonIdle); err != nil {
			m.log.WithError(err).Warn("Idle eviction failed.")
		}
	}
}

// Close ends all sessions and stops the sweep.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.closed) })

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	// Browser teardown is slow; end sessions in parallel.
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := m.endWithReason(ctx, id, EndReasonShutdown)
			if err != nil && !trace.IsNotFound(err) {
				return trace.Wrap(err)
			}
			return nil
		})
	}
	return trace.Wrap(g.Wait())
}
