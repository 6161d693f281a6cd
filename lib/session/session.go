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

package session

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/stepwisehq/stepwise/lib/browser"
	"github.com/stepwisehq/stepwise/lib/defaults"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusEnding   Status = "ending"
	StatusEnded    Status = "ended"
	StatusFailed   Status = "failed"
)

// Session binds one client, one browser and one recording.
type Session struct {
	// ID is the opaque session identifier.
	ID string
	// Token authenticates HTTP and socket access to this session.
	Token string
	// CreatedAt is the creation time.
	CreatedAt time.Time

	clock    clockwork.Clock
	log      logrus.FieldLogger
	maxSteps int
	workdir  string

	mu           sync.Mutex
	status       Status
	url          string
	title        string
	health       browser.HealthStatus
	errMessage   string
	lastActive   time.Time
	endedAt      time.Time
	disconnected time.Time
	workdirMade  bool
	driver       Driver
	recorder     *Recorder
	steps        []Step
	boundClient  string
	eventC       chan Event
	droppedEvent int
}

// Snapshot is a read-only view of the session returned over HTTP.
type Snapshot struct {
	ID             string    `json:"sessionId"`
	Status         Status    `json:"status"`
	URL            string    `json:"url,omitempty"`
	Title          string    `json:"title,omitempty"`
	StepCount      int       `json:"stepCount"`
	Health         string    `json:"health"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func newSession(id, token, tempDir string, maxSteps int, clock clockwork.Clock, log logrus.FieldLogger) *Session {
	now := clock.Now()
	return &Session{
		ID:         id,
		Token:      token,
		CreatedAt:  now,
		clock:      clock,
		log:        log.WithField("session_id", id),
		maxSteps:   maxSteps,
		workdir:    filepath.Join(tempDir, id),
		status:     StatusCreated,
		health:     browser.HealthUnknown,
		lastActive: now,
	}
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.ID,
		Status:         s.status,
		URL:            s.url,
		Title:          s.title,
		StepCount:      len(s.steps),
		Health:         string(s.health),
		Error:          s.errMessage,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActive,
	}
}

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Driver returns the owned browser driver, or nil unless the session
// is active.
func (s *Session) Driver() Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return nil
	}
	return s.driver
}

// Recorder returns the step recorder, or nil unless the session is
// active.
func (s *Session) Recorder() *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return nil
	}
	return s.recorder
}

// Touch records client activity for idle eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.clock.Now()
}

// WorkDir returns the session working directory, creating it and its
// screenshots subdirectory on first use.
func (s *Session) WorkDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.workdirMade {
		if err := os.MkdirAll(filepath.Join(s.workdir, "screenshots"), 0o700); err != nil {
			return "", trace.ConvertSystemError(err)
		}
		s.workdirMade = true
	}
	return s.workdir, nil
}

// Bind attaches a client connection to the session and returns its
// event channel. A session holds at most one client; a second bind
// fails until the first unbinds.
func (s *Session) Bind(clientID string) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundClient != "" {
		return nil, trace.AlreadyExists("session %v already has a connected client", s.ID)
	}
	if s.status != StatusActive {
		return nil, trace.BadParameter("session %v is %v, not active", s.ID, s.status)
	}
	s.boundClient = clientID
	s.eventC = make(chan Event, defaults.EventQueueSize)
	s.lastActive = s.clock.Now()
	s.disconnected = time.Time{}
	return s.eventC, nil
}

// Unbind detaches the named client. The event channel is closed; a
// stale unbind from a replaced client is a no-op.
func (s *Session) Unbind(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundClient != clientID {
		return
	}
	s.unbindLocked()
}

func (s *Session) unbindLocked() {
	s.boundClient = ""
	s.disconnected = s.clock.Now()
	if s.eventC != nil {
		close(s.eventC)
		s.eventC = nil
	}
}

// publish delivers an event to the bound client. Overflowing the
// bounded queue force-unbinds the client: the consumer observes the
// closed channel and tears the connection down as a slow consumer.
func (s *Session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(ev)
}

// publishLocked is publish with s.mu held. Step mutations publish under
// the lock so events leave in the same order the store changed; the
// channel send never blocks, so holding the lock here is safe.
func (s *Session) publishLocked(ev Event) {
	if s.eventC == nil {
		return
	}
	select {
	case s.eventC <- ev:
	default:
		s.droppedEvent++
		s.log.WithField("dropped", s.droppedEvent).Warn("Event queue overflow, disconnecting client.")
		s.unbindLocked()
	}
}

func (s *Session) setLocation(url, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	s.title = title
	s.publishLocked(StateEvent{Status: s.status, URL: url, Title: title})
}

func (s *Session) setHealth(status browser.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.health
	s.health = status
	if status == browser.HealthUnhealthy && prev != browser.HealthUnhealthy {
		s.log.Warn("Session browser is unhealthy.")
		s.publishLocked(UnhealthyEvent{Status: status})
	}
}

// Steps returns a copy of the recorded steps in order.
func (s *Session) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// AddStep assigns the next index and timestamp, appends the step, and
// announces it. When the store is at capacity the oldest step is
// dropped first and its deletion announced. Steps arrive from both the
// gateway reader and the recorder's flush timers; index assignment and
// event emission happen under one lock so observers see them in store
// order.
func (s *Session) AddStep(step Step) Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) >= s.maxSteps {
		oldest := s.steps[0]
		s.steps = s.steps[1:]
		for i := range s.steps {
			s.steps[i].Index = i
		}
		s.publishLocked(StepDeletedEvent{StepID: oldest.ID, Index: oldest.Index})
	}
	step.Index = len(s.steps)
	if step.CreatedAt.IsZero() {
		step.CreatedAt = s.clock.Now()
	}
	s.steps = append(s.steps, step)
	s.publishLocked(StepNewEvent{Step: step})
	return step
}

// UpdateStepCaption edits a step's caption.
func (s *Session) UpdateStepCaption(stepID, caption string) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.findStepLocked(stepID)
	if idx < 0 {
		return Step{}, trace.NotFound("step %v not found", stepID)
	}
	s.steps[idx].Caption = caption
	updated := s.steps[idx]
	s.publishLocked(StepUpdatedEvent{Step: updated})
	return updated, nil
}

// DeleteStep removes a step and compacts the remaining indexes so they
// stay a dense 0..N-1 permutation.
func (s *Session) DeleteStep(stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.findStepLocked(stepID)
	if idx < 0 {
		return trace.NotFound("step %v not found", stepID)
	}
	deleted := s.steps[idx]
	s.steps = append(s.steps[:idx], s.steps[idx+1:]...)
	for i := range s.steps {
		s.steps[i].Index = i
	}
	s.publishLocked(StepDeletedEvent{StepID: deleted.ID, Index: deleted.Index})
	return nil
}

// GetStep returns a step by id.
func (s *Session) GetStep(stepID string) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.findStepLocked(stepID)
	if idx < 0 {
		return Step{}, trace.NotFound("step %v not found", stepID)
	}
	return s.steps[idx], nil
}

// ReplaceSteps swaps the whole step list, used by archive import. The
// list is re-indexed to restore density.
func (s *Session) ReplaceSteps(steps []Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = make([]Step, len(steps))
	copy(s.steps, steps)
	for i := range s.steps {
		s.steps[i].Index = i
	}
}

func (s *Session) findStepLocked(stepID string) int {
	for i := range s.steps {
		if s.steps[i].ID == stepID {
			return i
		}
	}
	return -1
}
