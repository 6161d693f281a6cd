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
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/stepwisehq/stepwise/lib/browser"
	"github.com/stepwisehq/stepwise/lib/secret"
)

const (
	// clickPairWindow bounds how long after mouse-down a mouse-up still
	// forms a click.
	clickPairWindow = 500 * time.Millisecond
	// clickSlop is the max pointer travel, in px, between down and up.
	clickSlop = 5
	// typeIdleFlush closes a typing burst after this much keyboard
	// silence.
	typeIdleFlush = time.Second
	// scrollFlushWindow batches scroll deltas into one step.
	scrollFlushWindow = 250 * time.Millisecond
)

// Recorder derives semantic steps from the raw input stream: click
// down/up pairing, typing coalescing, scroll batching and navigation
// dedup. One recorder per session, fed by the gateway reader and by
// the driver's navigation events.
type Recorder struct {
	session *Session
	driver  Driver
	clock   clockwork.Clock
	log     logrus.FieldLogger

	mu      sync.Mutex
	lastURL string
	pending *pendingClick
	typing  *typingBurst
	scroll  *scrollWindow
}

type pendingClick struct {
	x, y    int
	button  string
	at      time.Time
	element *browser.Element
}

type typingBurst struct {
	element   *browser.Element
	text      []rune
	timer     clockwork.Timer
	cancelled bool
}

type scrollWindow struct {
	x, y      int
	dx, dy    int
	timer     clockwork.Timer
	cancelled bool
}

func newRecorder(s *Session, driver Driver, clock clockwork.Clock, log logrus.FieldLogger) *Recorder {
	return &Recorder{
		session: s,
		driver:  driver,
		clock:   clock,
		log:     log,
	}
}

// setInitialURL seeds navigation dedup so the session's starting page
// does not record a step.
func (r *Recorder) setInitialURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastURL = url
}

// RecordMouse consumes a raw mouse event after it was dispatched. A
// down/up pair at roughly the same point within the pair window becomes
// one click step; the element descriptor is captured on down.
func (r *Recorder) RecordMouse(ctx context.Context, action browser.MouseAction, x, y int, button string) {
	switch action {
	case browser.MouseDown:
		r.flushAll(ctx)
		element := r.probeAt(ctx, x, y)
		r.session.publish(ElementHoverEvent{X: x, Y: y, Element: element})
		r.mu.Lock()
		r.pending = &pendingClick{x: x, y: y, button: button, at: r.clock.Now(), element: element}
		r.mu.Unlock()
	case browser.MouseUp:
		r.mu.Lock()
		p := r.pending
		r.pending = nil
		r.mu.Unlock()
		if p == nil || p.button != button {
			return
		}
		if r.clock.Since(p.at) > clickPairWindow || abs(x-p.x) > clickSlop || abs(y-p.y) > clickSlop {
			return
		}
		r.emitClick(ctx, p.x, p.y, p.button, p.element)
	}
}

// RecordClick consumes an atomic click action.
func (r *Recorder) RecordClick(ctx context.Context, x, y int, button string) {
	r.flushAll(ctx)
	element := r.probeAt(ctx, x, y)
	r.session.publish(ElementHoverEvent{X: x, Y: y, Element: element})
	r.emitClick(ctx, x, y, button, element)
}

func (r *Recorder) emitClick(ctx context.Context, x, y int, button string, element *browser.Element) {
	step := Step{
		ID:      secret.NewID(),
		Action:  ActionClick,
		X:       intPtr(x),
		Y:       intPtr(y),
		Button:  button,
		Element: element,
	}
	r.attachScreenshot(ctx, &step)
	r.session.AddStep(step)
}

// RecordKey consumes a raw keyboard event after dispatch. Printable
// characters aimed at the same element coalesce into a single type
// step; Enter flushes it as submitted; other non-text keys flush and
// record a keypress step.
func (r *Recorder) RecordKey(ctx context.Context, action browser.KeyAction, key, text string, modifiers int) {
	if action != browser.KeyDown || isModifierKey(key) {
		return
	}

	switch {
	case key == "Enter":
		if burst := r.takeTyping(); burst != nil {
			r.emitType(ctx, burst, true)
			return
		}
		r.emitKeypress(ctx, key, modifiers)

	case key == "Backspace":
		r.mu.Lock()
		if r.typing != nil && len(r.typing.text) > 0 {
			r.typing.text = r.typing.text[:len(r.typing.text)-1]
			r.typing.timer.Reset(typeIdleFlush)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		// Editing text that predates the burst; nothing to record.

	case text != "" && modifiers&^browser.ModifierShift == 0:
		r.appendTyping(ctx, text)

	default:
		r.flushAll(ctx)
		r.emitKeypress(ctx, key, modifiers)
	}
}

func (r *Recorder) appendTyping(ctx context.Context, text string) {
	r.mu.Lock()
	if r.typing != nil {
		r.typing.text = append(r.typing.text, []rune(text)...)
		r.typing.timer.Reset(typeIdleFlush)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// New burst: capture the focused element once, at burst start. Focus
	// moves arrive as clicks or Tab keypresses, both of which flush.
	element, err := r.driver.FocusedElement(ctx)
	if err != nil {
		r.log.WithError(err).Debug("Focused element probe failed.")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.typing != nil {
		r.typing.text = append(r.typing.text, []rune(text)...)
		r.typing.timer.Reset(typeIdleFlush)
		return
	}
	burst := &typingBurst{element: element, text: []rune(text)}
	burst.timer = r.clock.AfterFunc(typeIdleFlush, func() {
		r.mu.Lock()
		if r.typing != burst || burst.cancelled {
			r.mu.Unlock()
			return
		}
		r.typing = nil
		r.mu.Unlock()
		r.emitType(context.Background(), burst, false)
	})
	r.typing = burst
}

func (r *Recorder) takeTyping() *typingBurst {
	r.mu.Lock()
	defer r.mu.Unlock()
	burst := r.typing
	if burst == nil {
		return nil
	}
	burst.cancelled = true
	burst.timer.Stop()
	r.typing = nil
	return burst
}

func (r *Recorder) emitType(ctx context.Context, burst *typingBurst, submitted bool) {
	if len(burst.text) == 0 && !submitted {
		return
	}
	step := Step{
		ID:        secret.NewID(),
		Action:    ActionType,
		Element:   burst.element,
		Text:      string(burst.text),
		Submitted: submitted,
	}
	r.attachScreenshot(ctx, &step)
	r.session.AddStep(step)
}

func (r *Recorder) emitKeypress(ctx context.Context, key string, modifiers int) {
	step := Step{
		ID:        secret.NewID(),
		Action:    ActionKeypress,
		Key:       key,
		Modifiers: modifiers,
	}
	r.attachScreenshot(ctx, &step)
	r.session.AddStep(step)
}

// RecordScroll batches scroll deltas into fixed windows; the window end
// flushes one step with the summed deltas at the first event's point.
func (r *Recorder) RecordScroll(ctx context.Context, x, y, dx, dy int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scroll != nil {
		r.scroll.dx += dx
		r.scroll.dy += dy
		return
	}
	win := &scrollWindow{x: x, y: y, dx: dx, dy: dy}
	win.timer = r.clock.AfterFunc(scrollFlushWindow, func() {
		r.mu.Lock()
		if r.scroll != win || win.cancelled {
			r.mu.Unlock()
			return
		}
		r.scroll = nil
		r.mu.Unlock()
		r.emitScroll(context.Background(), win)
	})
	r.scroll = win
}

func (r *Recorder) takeScroll() *scrollWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	win := r.scroll
	if win == nil {
		return nil
	}
	win.cancelled = true
	win.timer.Stop()
	r.scroll = nil
	return win
}

func (r *Recorder) emitScroll(ctx context.Context, win *scrollWindow) {
	step := Step{
		ID:     secret.NewID(),
		Action: ActionScroll,
		X:      intPtr(win.x),
		Y:      intPtr(win.y),
		DeltaX: intPtr(win.dx),
		DeltaY: intPtr(win.dy),
	}
	r.attachScreenshot(ctx, &step)
	r.session.AddStep(step)
}

// RecordNavigation consumes a top-frame navigation. A step is recorded
// only when the URL actually changed.
func (r *Recorder) RecordNavigation(ctx context.Context, toURL, trigger string) {
	r.flushAll(ctx)

	r.mu.Lock()
	if toURL == r.lastURL {
		r.mu.Unlock()
		return
	}
	fromURL := r.lastURL
	r.lastURL = toURL
	r.mu.Unlock()

	step := Step{
		ID:      secret.NewID(),
		Action:  ActionNavigate,
		FromURL: fromURL,
		ToURL:   toURL,
		Trigger: trigger,
	}
	r.attachScreenshot(ctx, &step)
	r.session.AddStep(step)
}

// flushAll closes any open typing burst or scroll window before an
// action of a different kind is recorded, preserving step order.
func (r *Recorder) flushAll(ctx context.Context) {
	if burst := r.takeTyping(); burst != nil {
		r.emitType(ctx, burst, false)
	}
	if win := r.takeScroll(); win != nil {
		r.emitScroll(ctx, win)
	}
}

func (r *Recorder) probeAt(ctx context.Context, x, y int) *browser.Element {
	element, err := r.driver.ElementAt(ctx, x, y)
	if err != nil {
		r.log.WithError(err).Debug("Element probe failed.")
		return nil
	}
	return element
}

// attachScreenshot captures the viewport, highlighted around the step's
// element when its box is known, and attaches both the on-disk path and
// an inline data URL. Capture failures degrade to a step without a
// screenshot.
func (r *Recorder) attachScreenshot(ctx context.Context, step *Step) {
	var data []byte
	var err error
	if step.Element != nil && step.Element.Box != nil {
		data, err = r.driver.ScreenshotWithHighlight(ctx, *step.Element.Box, nil)
	} else {
		data, err = r.driver.Screenshot(ctx, nil)
	}
	if err != nil {
		r.log.WithError(err).Warn("Step screenshot failed.")
		return
	}

	workdir, err := r.session.WorkDir()
	if err != nil {
		r.log.WithError(err).Warn("Session working directory unavailable.")
		return
	}
	path := filepath.Join(workdir, "screenshots", step.ID+".jpeg")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		r.log.WithError(err).Warn("Writing step screenshot failed.")
		return
	}
	step.ScreenshotPath = path
	step.ScreenshotDataURL = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
}

func isModifierKey(key string) bool {
	switch key {
	case "Shift", "Control", "Alt", "Meta":
		return true
	}
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
