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
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stepwisehq/stepwise/lib/browser"
)

func newTestRecorder(t *testing.T, clock clockwork.Clock) (*Recorder, *Session, *fakeDriver) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	s := newSession("test-session", "token", t.TempDir(), 200, clock, log)
	driver := newFakeDriver()
	r := newRecorder(s, driver, clock, s.log)
	return r, s, driver
}

// waitSteps waits for the asynchronous flush timers to land their step.
func waitSteps(t *testing.T, s *Session, n int) []Step {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Steps()) == n
	}, 2*time.Second, 5*time.Millisecond)
	return s.Steps()
}

func TestRecorderClickPair(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, driver := newTestRecorder(t, clock)
	driver.element = &browser.Element{
		Tag:   "button",
		Label: "Submit",
		Box:   &browser.Box{X: 90, Y: 190, Width: 80, Height: 30},
	}
	ctx := context.Background()

	r.RecordMouse(ctx, browser.MouseDown, 100, 200, browser.ButtonLeft)
	r.RecordMouse(ctx, browser.MouseUp, 102, 201, browser.ButtonLeft)

	steps := s.Steps()
	require.Len(t, steps, 1)
	step := steps[0]
	require.Equal(t, ActionClick, step.Action)
	require.Equal(t, 100, *step.X)
	require.Equal(t, 200, *step.Y)
	require.Equal(t, browser.ButtonLeft, step.Button)
	require.NotNil(t, step.Element)
	require.Equal(t, "Submit", step.Element.Label)
	require.NotEmpty(t, step.ScreenshotPath)
	require.True(t, strings.HasPrefix(step.ScreenshotDataURL, "data:image/jpeg;base64,"))
}

func TestRecorderClickPairExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, _ := newTestRecorder(t, clock)
	ctx := context.Background()

	r.RecordMouse(ctx, browser.MouseDown, 100, 200, browser.ButtonLeft)
	clock.Advance(600 * time.Millisecond)
	r.RecordMouse(ctx, browser.MouseUp, 100, 200, browser.ButtonLeft)

	require.Empty(t, s.Steps())
}

func TestRecorderDragIsNotClick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, _ := newTestRecorder(t, clock)
	ctx := context.Background()

	r.RecordMouse(ctx, browser.MouseDown, 100, 200, browser.ButtonLeft)
	r.RecordMouse(ctx, browser.MouseMove, 150, 260, browser.ButtonLeft)
	r.RecordMouse(ctx, browser.MouseUp, 180, 300, browser.ButtonLeft)

	require.Empty(t, s.Steps())
}

func TestRecorderTypingCoalesces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, driver := newTestRecorder(t, clock)
	driver.focused = &browser.Element{Tag: "input", Name: "q"}
	ctx := context.Background()

	r.RecordKey(ctx, browser.KeyDown, "h", "h", 0)
	r.RecordKey(ctx, browser.KeyDown, "i", "i", 0)
	require.Empty(t, s.Steps())

	clock.Advance(1100 * time.Millisecond)
	steps := waitSteps(t, s, 1)
	step := steps[0]
	require.Equal(t, ActionType, step.Action)
	require.Equal(t, "hi", step.Text)
	require.False(t, step.Submitted)
	require.NotNil(t, step.Element)
	require.Equal(t, "q", step.Element.Name)
}

func TestRecorderEnterFlushesSubmitted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, driver := newTestRecorder(t, clock)
	driver.focused = &browser.Element{Tag: "input"}
	ctx := context.Background()

	r.RecordKey(ctx, browser.KeyDown, "o", "o", 0)
	r.RecordKey(ctx, browser.KeyDown, "k", "k", 0)
	r.RecordKey(ctx, browser.KeyDown, "Enter", "", 0)

	steps := s.Steps()
	require.Len(t, steps, 1)
	require.Equal(t, ActionType, steps[0].Action)
	require.Equal(t, "ok", steps[0].Text)
	require.True(t, steps[0].Submitted)
}

func TestRecorderBackspaceTrims(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, _ := newTestRecorder(t, clock)
	ctx := context.Background()

	r.RecordKey(ctx, browser.KeyDown, "a", "a", 0)
	r.RecordKey(ctx, browser.KeyDown, "b", "b", 0)
	r.RecordKey(ctx, browser.KeyDown, "Backspace", "", 0)
	r.RecordKey(ctx, browser.KeyDown, "c", "c", 0)

	clock.Advance(1100 * time.Millisecond)
	steps := waitSteps(t, s, 1)
	require.Equal(t, "ac", steps[0].Text)
}

func TestRecorderKeypress(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, _ := newTestRecorder(t, clock)
	ctx := context.Background()

	r.RecordKey(ctx, browser.KeyDown, "Escape", "", 0)

	steps := s.Steps()
	require.Len(t, steps, 1)
	require.Equal(t, ActionKeypress, steps[0].Action)
	require.Equal(t, "Escape", steps[0].Key)
}

func TestRecorderModifiedShortcut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, _ := newTestRecorder(t, clock)
	ctx := context.Background()

	// The bare modifier is silent; the chord records once.
	r.RecordKey(ctx, browser.KeyDown, "Control", "", browser.ModifierCtrl)
	r.RecordKey(ctx, browser.KeyDown, "s", "s", browser.ModifierCtrl)

	steps := s.Steps()
	require.Len(t, steps, 1)
	require.Equal(t, ActionKeypress, steps[0].Action)
	require.Equal(t, "s", steps[0].Key)
	require.Equal(t, browser.ModifierCtrl, steps[0].Modifiers)
}

func TestRecorderKeypressFlushesTyping(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, _ := newTestRecorder(t, clock)
	ctx := context.Background()

	r.RecordKey(ctx, browser.KeyDown, "x", "x", 0)
	r.RecordKey(ctx, browser.KeyDown, "Tab", "", 0)

	steps := s.Steps()
	require.Len(t, steps, 2)
	require.Equal(t, ActionType, steps[0].Action)
	require.Equal(t, "x", steps[0].Text)
	require.Equal(t, ActionKeypress, steps[1].Action)
	require.Equal(t, "Tab", steps[1].Key)
}

func TestRecorderScrollBatches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, _ := newTestRecorder(t, clock)
	ctx := context.Background()

	r.RecordScroll(ctx, 50, 60, 0, 100)
	r.RecordScroll(ctx, 55, 65, 0, 120)
	r.RecordScroll(ctx, 58, 70, 10, -20)
	require.Empty(t, s.Steps())

	clock.Advance(300 * time.Millisecond)
	steps := waitSteps(t, s, 1)
	step := steps[0]
	require.Equal(t, ActionScroll, step.Action)
	require.Equal(t, 50, *step.X)
	require.Equal(t, 60, *step.Y)
	require.Equal(t, 10, *step.DeltaX)
	require.Equal(t, 200, *step.DeltaY)
}

func TestRecorderNavigationDedup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, _ := newTestRecorder(t, clock)
	ctx := context.Background()
	r.setInitialURL("https://example.com")

	// The starting page does not record.
	r.RecordNavigation(ctx, "https://example.com", TriggerRedirect)
	require.Empty(t, s.Steps())

	r.RecordNavigation(ctx, "https://example.com/next", TriggerUser)
	steps := s.Steps()
	require.Len(t, steps, 1)
	step := steps[0]
	require.Equal(t, ActionNavigate, step.Action)
	require.Equal(t, "https://example.com", step.FromURL)
	require.Equal(t, "https://example.com/next", step.ToURL)
	require.Equal(t, TriggerUser, step.Trigger)

	// Same URL again, e.g. a reload-triggered framenavigated, is silent.
	r.RecordNavigation(ctx, "https://example.com/next", TriggerRedirect)
	require.Len(t, s.Steps(), 1)
}

func TestRecorderClickFlushesTypingInOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, s, _ := newTestRecorder(t, clock)
	ctx := context.Background()

	r.RecordKey(ctx, browser.KeyDown, "y", "y", 0)
	r.RecordClick(ctx, 10, 20, browser.ButtonLeft)

	steps := s.Steps()
	require.Len(t, steps, 2)
	require.Equal(t, ActionType, steps[0].Action)
	require.Equal(t, ActionClick, steps[1].Action)
}
