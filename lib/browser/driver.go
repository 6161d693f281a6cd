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

// Package browser implements the Driver: a wrapper around one headless
// Chromium instance driven over the devtools protocol. Exactly one
// Driver is bound to one session; browsers are never shared across
// sessions, since cookie, storage and health isolation depend on it.
package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/stepwisehq/stepwise"
	"github.com/stepwisehq/stepwise/lib/defaults"
)

// State is the driver lifecycle state.
type State string

const (
	StateLaunching     State = "launching"
	StateReady         State = "ready"
	StateScreencasting State = "screencasting"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

// HealthStatus is the result of a health probe.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Navigation triggers, attributed to top-frame navigations.
const (
	TriggerUser     = "user"
	TriggerBack     = "back"
	TriggerForward  = "forward"
	TriggerReload   = "reload"
	TriggerRedirect = "redirect"
)

// Viewport is the browser viewport size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// Info describes the page after a successful start.
type Info struct {
	URL   string
	Title string
}

// Frame is one JPEG screencast frame.
type Frame struct {
	Data []byte
	At   time.Time
}

// Box is a bounding box in viewport coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element describes the interactive element at a point.
type Element struct {
	Tag         string   `json:"tag"`
	ID          string   `json:"id,omitempty"`
	Classes     []string `json:"classes,omitempty"`
	TestID      string   `json:"testId,omitempty"`
	Role        string   `json:"role,omitempty"`
	Text        string   `json:"text,omitempty"`
	Label       string   `json:"label,omitempty"`
	Name        string   `json:"name,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Box         *Box     `json:"box,omitempty"`
}

// Event is the tagged union published on the driver's event channel.
// The gateway connection routes the variants; there is no global bus.
type Event interface {
	event()
}

// NavigationEvent reports a top-frame navigation.
type NavigationEvent struct {
	URL     string
	Title   string
	Trigger string
}

// CdpErrorEvent reports a failed or timed out protocol operation.
type CdpErrorEvent struct {
	Op      string
	Code    string
	Message string
}

// HealthEvent reports a change in probe results.
type HealthEvent struct {
	Status HealthStatus
}

// ClosedEvent reports that the browser is gone. It is the last event on
// the channel.
type ClosedEvent struct {
	Err error
}

func (NavigationEvent) event() {}
func (CdpErrorEvent) event()   {}
func (HealthEvent) event()     {}
func (ClosedEvent) event()     {}

// Config configures a Driver.
type Config struct {
	// Log is the parent logger; a component field is added.
	Log *logrus.Entry
	// Clock drives throttles and health caching.
	Clock clockwork.Clock
	// OpTimeout is the hard cap on any single protocol operation.
	OpTimeout time.Duration
	// BrowserPath overrides the browser binary.
	BrowserPath string
	// ScreenshotQuality is the JPEG quality for step screenshots. Nil
	// selects the default; zero is a valid lowest quality.
	ScreenshotQuality *int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Log == nil {
		c.Log = logrus.WithField(stepwise.Component, stepwise.ComponentBrowser)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = defaults.DriverOpTimeout
	}
	if c.ScreenshotQuality == nil {
		quality := 80
		c.ScreenshotQuality = &quality
	}
	if *c.ScreenshotQuality < 0 || *c.ScreenshotQuality > 100 {
		return trace.BadParameter("screenshot quality out of range (%d)", *c.ScreenshotQuality)
	}
	return nil
}

// Driver owns one automated browser bound to one session.
//
// State machine: LAUNCHING -> READY <-> SCREENCASTING -> CLOSING ->
// CLOSED; a browser disconnect unwinds to CLOSED from any state.
type Driver struct {
	cfg   Config
	log   *logrus.Entry
	clock clockwork.Clock

	// mu serializes protocol operations and guards the fields below.
	mu       sync.Mutex
	state    State
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	buttons  int
	errRun   int

	baseCtx    context.Context
	baseCancel context.CancelFunc

	screencastStop context.CancelFunc
	frameGate      *frameGate

	// navMu guards the pending navigation trigger; it is taken from the
	// frame-navigated event handler while mu may be held by the
	// operation that caused the navigation.
	navMu          sync.Mutex
	pendingTrigger string

	healthMu     sync.Mutex
	healthStatus HealthStatus
	healthAt     time.Time
	healthFails  int

	evMu     sync.Mutex
	eventC   chan Event
	evClosed bool

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Driver in the LAUNCHING state. Call Start to launch the
// browser.
func New(cfg Config) (*Driver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		cfg:          cfg,
		log:          cfg.Log,
		clock:        cfg.Clock,
		state:        StateLaunching,
		baseCtx:      ctx,
		baseCancel:   cancel,
		healthStatus: HealthUnknown,
		eventC:       make(chan Event, 32),
		closed:       make(chan struct{}),
	}, nil
}

// Events returns the driver's event channel. It is closed after the
// final ClosedEvent.
func (d *Driver) Events() <-chan Event {
	return d.eventC
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start launches the browser, opens a fresh incognito context and page
// with the given viewport and optionally navigates to an initial URL.
func (d *Driver) Start(ctx context.Context, vp Viewport, initialURL string) (*Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateLaunching {
		return nil, trace.BadParameter("driver already started (state %v)", d.state)
	}

	l := launcher.New().
		Headless(true).
		Set("no-sandbox").
		Set("disable-dev-shm-usage")
	if d.cfg.BrowserPath != "" {
		l = l.Bin(d.cfg.BrowserPath)
	}

	u, err := l.Launch()
	if err != nil {
		d.state = StateClosed
		return nil, trace.Wrap(err, "launching browser")
	}
	d.launcher = l

	b := rod.New().ControlURL(u).Context(d.baseCtx)
	if err := b.Connect(); err != nil {
		l.Kill()
		d.state = StateClosed
		return nil, trace.Wrap(err, "connecting to browser")
	}
	d.browser = b

	incognito, err := b.Incognito()
	if err != nil {
		return nil, d.failStart(err, "creating browser context")
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, d.failStart(err, "opening page")
	}
	d.page = page

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, d.failStart(err, "setting viewport")
	}

	go d.watchNavigation(page)
	go d.watchDisconnect()

	if initialURL != "" {
		d.setPendingTrigger(TriggerUser)
		navCtx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
		defer cancel()
		p := page.Context(navCtx)
		wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
		if err := p.Navigate(initialURL); err != nil {
			return nil, d.failStart(err, "navigating to %v", initialURL)
		}
		wait()
	}

	info, err := page.Info()
	if err != nil {
		return nil, d.failStart(err, "reading page info")
	}

	d.state = StateReady
	go d.healthLoop()

	d.log.WithField("url", info.URL).Info("Browser driver started.")
	return &Info{URL: info.URL, Title: info.Title}, nil
}

// failStart unwinds a partially launched browser. Caller holds mu.
func (d *Driver) failStart(err error, format string, args ...interface{}) error {
	d.state = StateClosed
	if d.browser != nil {
		_ = d.browser.Close()
	}
	if d.launcher != nil {
		d.launcher.Kill()
	}
	d.baseCancel()
	d.closeEvents(nil)
	return trace.Wrap(err, append([]interface{}{format}, args...)...)
}

// op runs a protocol operation under the driver mutex with the hard
// timeout. Failures are surfaced to the caller and emitted as cdp:error
// events; three consecutive failures flip health to unhealthy.
func (d *Driver) op(ctx context.Context, name string, fn func(p *rod.Page) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opLocked(ctx, name, fn)
}

func (d *Driver) opLocked(ctx context.Context, name string, fn func(p *rod.Page) error) error {
	if d.state != StateReady && d.state != StateScreencasting {
		return trace.ConnectionProblem(nil, "driver is %v", d.state)
	}

	opCtx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
	defer cancel()

	if err := fn(d.page.Context(opCtx)); err != nil {
		code := cdpErrorCode(name)
		d.log.WithError(err).Warnf("Browser operation %v failed.", name)
		d.emit(CdpErrorEvent{Op: name, Code: code, Message: err.Error()})
		d.errRun++
		if d.errRun == 3 {
			d.setHealth(HealthUnhealthy)
		}
		return trace.Wrap(err, "%v", code)
	}
	d.errRun = 0
	return nil
}

func cdpErrorCode(op string) string {
	return "CDP_" + strings.ToUpper(op) + "_FAILED"
}

// Health evaluates a trivial expression in the page. Results are cached
// for a short period so callers can probe freely.
func (d *Driver) Health(ctx context.Context) HealthStatus {
	d.healthMu.Lock()
	if d.healthStatus != HealthUnknown && d.clock.Since(d.healthAt) < defaults.HealthCacheTTL {
		status := d.healthStatus
		d.healthMu.Unlock()
		return status
	}
	d.healthMu.Unlock()

	page := d.currentPage()
	if page == nil {
		return HealthUnknown
	}

	probeCtx, cancel := context.WithTimeout(ctx, defaults.HealthProbeTimeout)
	defer cancel()
	_, err := page.Context(probeCtx).Eval(`() => 1 + 1`)
	return d.recordProbe(err == nil)
}

// healthFailThreshold is how many consecutive probe failures flip the
// driver to unhealthy. A single failed eval can be a page in transition.
const healthFailThreshold = 3

// recordProbe folds one probe result into the health state.
func (d *Driver) recordProbe(ok bool) HealthStatus {
	d.healthMu.Lock()
	prev := d.healthStatus
	if ok {
		d.healthFails = 0
		d.healthStatus = HealthHealthy
	} else {
		d.healthFails++
		if d.healthFails >= healthFailThreshold {
			d.healthStatus = HealthUnhealthy
		}
	}
	d.healthAt = d.clock.Now()
	status := d.healthStatus
	d.healthMu.Unlock()

	if status != prev {
		d.emit(HealthEvent{Status: status})
	}
	return status
}

// setHealth forces the health state, used when repeated operation
// failures already establish the browser is gone.
func (d *Driver) setHealth(status HealthStatus) {
	d.healthMu.Lock()
	prev := d.healthStatus
	d.healthStatus = status
	d.healthAt = d.clock.Now()
	if status == HealthUnhealthy {
		d.healthFails = healthFailThreshold
	} else {
		d.healthFails = 0
	}
	d.healthMu.Unlock()

	if status != prev {
		d.emit(HealthEvent{Status: status})
	}
}

// healthLoop probes the page periodically until the driver closes.
func (d *Driver) healthLoop() {
	ticker := d.clock.NewTicker(defaults.HealthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			d.Health(d.baseCtx)
		case <-d.closed:
			return
		}
	}
}

// watchNavigation forwards top-frame navigations as events, attributing
// each to the operation that caused it (or "redirect" when none did).
func (d *Driver) watchNavigation(page *rod.Page) {
	wait := page.EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame.ParentID != "" {
			return
		}
		title := ""
		if info, err := page.Info(); err == nil {
			title = info.Title
		}
		d.emit(NavigationEvent{
			URL:     e.Frame.URL,
			Title:   title,
			Trigger: d.takePendingTrigger(),
		})
	})
	wait()
}

// watchDisconnect unwinds the driver when the browser process dies.
func (d *Driver) watchDisconnect() {
	<-d.browser.GetContext().Done()
	d.mu.Lock()
	dead := d.state != StateClosing && d.state != StateClosed
	d.mu.Unlock()
	if dead {
		d.log.Warn("Browser disconnected unexpectedly.")
		d.shutdown(trace.ConnectionProblem(nil, "browser disconnected"))
	}
}

func (d *Driver) setPendingTrigger(trigger string) {
	d.navMu.Lock()
	defer d.navMu.Unlock()
	d.pendingTrigger = trigger
}

func (d *Driver) takePendingTrigger() string {
	d.navMu.Lock()
	defer d.navMu.Unlock()
	trigger := d.pendingTrigger
	d.pendingTrigger = ""
	if trigger == "" {
		return TriggerRedirect
	}
	return trigger
}

func (d *Driver) currentPage() *rod.Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateClosing || d.state == StateClosed {
		return nil
	}
	return d.page
}

// emit publishes an event without blocking; events are dropped if the
// consumer is too far behind.
func (d *Driver) emit(ev Event) {
	d.evMu.Lock()
	defer d.evMu.Unlock()
	if d.evClosed {
		return
	}
	select {
	case d.eventC <- ev:
	default:
		d.log.Warnf("Driver event dropped: %T.", ev)
	}
}

func (d *Driver) closeEvents(err error) {
	d.evMu.Lock()
	defer d.evMu.Unlock()
	if d.evClosed {
		return
	}
	d.evClosed = true
	select {
	case d.eventC <- ClosedEvent{Err: err}:
	default:
	}
	close(d.eventC)
}

// Close shuts the browser down. In-flight operations are cancelled and
// return failure markers to their callers.
func (d *Driver) Close(ctx context.Context) error {
	d.shutdown(nil)
	return nil
}

func (d *Driver) shutdown(cause error) {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.state = StateClosing
		if d.screencastStop != nil {
			d.screencastStop()
			d.screencastStop = nil
		}
		page, browser, l := d.page, d.browser, d.launcher
		d.mu.Unlock()

		if page != nil {
			_ = page.Close()
		}
		if browser != nil {
			_ = browser.Close()
		}
		d.baseCancel()
		if l != nil {
			l.Cleanup()
		}

		d.mu.Lock()
		d.state = StateClosed
		d.mu.Unlock()

		close(d.closed)
		d.closeEvents(cause)
		d.log.Info("Browser driver closed.")
	})
}
