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
	"sync"

	"github.com/gravitational/trace"

	"github.com/stepwisehq/stepwise/lib/browser"
)

// fakeDriver implements Driver without a browser. It records dispatched
// inputs and serves canned probe results.
type fakeDriver struct {
	mu      sync.Mutex
	started bool
	closed  bool
	calls   []string
	info    browser.Info
	element *browser.Element
	focused *browser.Element

	startErr error
	// startGate, when set, blocks Start until closed so tests can race
	// other calls against a slow browser launch.
	startGate chan struct{}
	events    chan browser.Event
	frames    chan browser.Frame
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		info:   browser.Info{URL: "https://example.com", Title: "Example"},
		events: make(chan browser.Event, 16),
		frames: make(chan browser.Frame, 1),
	}
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDriver) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeDriver) Start(ctx context.Context, vp browser.Viewport, initialURL string) (*browser.Info, error) {
	if f.startGate != nil {
		<-f.startGate
	}
	if f.startErr != nil {
		return nil, trace.Wrap(f.startErr)
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	info := f.info
	if initialURL != "" {
		info.URL = initialURL
	}
	return &info, nil
}

func (f *fakeDriver) Close(ctx context.Context) error {
	f.mu.Lock()
	alreadyClosed := f.closed
	f.closed = true
	f.mu.Unlock()
	if !alreadyClosed {
		f.events <- browser.ClosedEvent{}
		close(f.events)
	}
	return nil
}

func (f *fakeDriver) Events() <-chan browser.Event { return f.events }

func (f *fakeDriver) Health(ctx context.Context) browser.HealthStatus {
	return browser.HealthHealthy
}

func (f *fakeDriver) StartScreencast(quality, maxFPS int) (<-chan browser.Frame, error) {
	f.record("startScreencast")
	return f.frames, nil
}

func (f *fakeDriver) StopScreencast() error {
	f.record("stopScreencast")
	return nil
}

func (f *fakeDriver) Mouse(ctx context.Context, action browser.MouseAction, x, y int, button string) error {
	f.record("mouse:" + string(action))
	return nil
}

func (f *fakeDriver) Click(ctx context.Context, x, y int, button string) error {
	f.record("click")
	return nil
}

func (f *fakeDriver) Key(ctx context.Context, action browser.KeyAction, key, text string, modifiers int, code string, keyCode int) error {
	f.record("key:" + string(action))
	return nil
}

func (f *fakeDriver) Scroll(ctx context.Context, x, y, dx, dy int) error {
	f.record("scroll")
	return nil
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	f.record("navigate")
	return nil
}

func (f *fakeDriver) Back(ctx context.Context) error {
	f.record("back")
	return nil
}

func (f *fakeDriver) Forward(ctx context.Context) error {
	f.record("forward")
	return nil
}

func (f *fakeDriver) Reload(ctx context.Context) error {
	f.record("reload")
	return nil
}

func (f *fakeDriver) ElementAt(ctx context.Context, x, y int) (*browser.Element, error) {
	return f.element, nil
}

func (f *fakeDriver) FocusedElement(ctx context.Context) (*browser.Element, error) {
	return f.focused, nil
}

func (f *fakeDriver) Screenshot(ctx context.Context, clip *browser.Box) ([]byte, error) {
	return []byte("jpeg-bytes"), nil
}

func (f *fakeDriver) ScreenshotWithHighlight(ctx context.Context, box browser.Box, clip *browser.Box) ([]byte, error) {
	return []byte("jpeg-highlight-bytes"), nil
}
