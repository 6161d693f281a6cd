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

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/stepwisehq/stepwise"
	"github.com/stepwisehq/stepwise/lib/browser"
	"github.com/stepwisehq/stepwise/lib/defaults"
	"github.com/stepwisehq/stepwise/lib/limiter"
	"github.com/stepwisehq/stepwise/lib/secret"
	"github.com/stepwisehq/stepwise/lib/session"
)

const (
	// maxInboundMessage bounds a single client message.
	maxInboundMessage = 1 << 20

	// writeTimeout bounds a single socket write.
	writeTimeout = 10 * time.Second

	// heartbeatTick is how often the heartbeat loop inspects inbound
	// silence.
	heartbeatTick = 5 * time.Second
)

// handleSocket upgrades the connection and binds it to its session.
// Close codes: 4401 bad session or token, 4409 session already has a
// client, 4408 idle, 4413 slow consumer, 1011 fatal session failure.
func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("Websocket upgrade failed.")
		return
	}

	query := r.URL.Query()
	sess, err := h.cfg.Manager.Authenticate(query.Get("sessionId"), query.Get("token"))
	if err != nil {
		closeSocket(ws, stepwise.CloseAuthFailure, "invalid session or token")
		return
	}

	connID := secret.NewID()
	events, err := sess.Bind(connID)
	if err != nil {
		switch {
		case trace.IsAlreadyExists(err):
			closeSocket(ws, stepwise.CloseAlreadyConnected, "session already has a connected client")
		default:
			closeSocket(ws, stepwise.CloseInternalError, "session is not active")
		}
		return
	}

	driver := sess.Driver()
	recorder := sess.Recorder()
	if driver == nil || recorder == nil {
		sess.Unbind(connID)
		closeSocket(ws, stepwise.CloseInternalError, "session lost its browser")
		return
	}

	frames, err := driver.StartScreencast(*h.cfg.ScreencastQuality, h.cfg.ScreencastMaxFPS)
	if err != nil && !trace.IsAlreadyExists(err) {
		h.log.WithError(err).Warn("Starting screencast failed.")
	}

	metricSocketConnects.Inc()
	ctx, cancel := context.WithCancel(context.Background())
	c := &socket{
		log:         h.log.WithField("session_id", sess.ID),
		clock:       h.clock,
		enc:         h.enc,
		ws:          ws,
		sess:        sess,
		driver:      driver,
		recorder:    recorder,
		limits:      h.cfg.Limiter,
		connID:      connID,
		ctx:         ctx,
		cancel:      cancel,
		outC:        make(chan []byte, defaults.EventQueueSize),
		frameC:      make(chan []byte, 1),
		closedC:     make(chan struct{}),
		lastInbound: h.clock.Now(),
	}
	c.run(events, frames)
}

func closeSocket(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(writeTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = ws.Close()
}

// socket multiplexes one client connection onto one session: a reader
// applying rate limits and feeding the recorder, a writer draining the
// bounded outbound queue, a frame pump with latest-wins semantics, an
// event pump and a heartbeat.
type socket struct {
	log      *logrus.Entry
	clock    clockwork.Clock
	enc      encoder
	ws       *websocket.Conn
	sess     *session.Session
	driver   session.Driver
	recorder *session.Recorder
	limits   *limiter.Limiter
	connID   string

	ctx    context.Context
	cancel context.CancelFunc

	// wsMu serializes data writes to the socket.
	wsMu   sync.Mutex
	outC   chan []byte
	frameC chan []byte

	mu          sync.Mutex
	lastInbound time.Time

	closeOnce sync.Once
	closedC   chan struct{}
}

func (c *socket) run(events <-chan session.Event, frames <-chan browser.Frame) {
	snap := c.sess.Snapshot()
	c.enqueue(c.enc.sessionState(snap.Status, snap.URL, snap.Title, ""))

	go c.writeLoop()
	go c.eventLoop(events)
	go c.heartbeatLoop()
	if frames != nil {
		go c.frameLoop(frames)
	}

	c.readLoop()
}

// close tears the connection down exactly once. The session itself is
// not ended: a client may reconnect within the grace window.
func (c *socket) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.log.WithField("code", code).Debug("Closing client connection.")
		close(c.closedC)
		c.cancel()
		_ = c.driver.StopScreencast()
		c.sess.Unbind(c.connID)
		closeSocket(c.ws, code, text)
	})
}

func (c *socket) touchInbound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastInbound = c.clock.Now()
}

func (c *socket) sinceInbound() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Since(c.lastInbound)
}

// enqueue queues an outbound event, tolerating a full queue for the
// backpressure window before declaring the client a slow consumer.
func (c *socket) enqueue(msg []byte) {
	select {
	case c.outC <- msg:
		return
	case <-c.closedC:
		return
	default:
	}

	timer := c.clock.NewTimer(defaults.BackpressureWindow)
	defer timer.Stop()
	select {
	case c.outC <- msg:
	case <-timer.Chan():
		c.close(stepwise.CloseSlowConsumer, "outbound queue full")
	case <-c.closedC:
	}
}

// pushFrame replaces any pending frame: frames are lossy and only the
// newest matters.
func (c *socket) pushFrame(msg []byte) {
	for {
		select {
		case c.frameC <- msg:
			return
		default:
			select {
			case <-c.frameC:
			default:
			}
		}
	}
}

func (c *socket) writeLoop() {
	for {
		// Events take priority over frames.
		select {
		case <-c.closedC:
			return
		case msg := <-c.outC:
			c.write(msg)
			continue
		default:
		}
		select {
		case <-c.closedC:
			return
		case msg := <-c.outC:
			c.write(msg)
		case frame := <-c.frameC:
			c.write(frame)
		}
	}
}

func (c *socket) write(msg []byte) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.log.WithError(err).Debug("Socket write failed.")
		go c.close(stepwise.CloseInternalError, "write failed")
	}
}

func (c *socket) frameLoop(frames <-chan browser.Frame) {
	for {
		select {
		case <-c.closedC:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.pushFrame(c.enc.frame(frame))
			metricFramesSent.Inc()
		}
	}
}

func (c *socket) eventLoop(events <-chan session.Event) {
	var endStatus session.Status
	var endReason string
	for {
		select {
		case <-c.closedC:
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-c.closedC:
					return
				default:
				}
				// The channel closes when the session ends or when the
				// publisher force-unbound us on queue overflow.
				switch {
				case endStatus == session.StatusFailed:
					c.close(stepwise.CloseInternalError, endReason)
				case endReason == session.EndReasonIdle:
					c.close(stepwise.CloseIdle, endReason)
				case endStatus == session.StatusEnded:
					c.close(stepwise.CloseNormal, endReason)
				default:
					c.close(stepwise.CloseSlowConsumer, "event queue overflow")
				}
				return
			}
			switch ev := ev.(type) {
			case session.StateEvent:
				if ev.Status == session.StatusEnded || ev.Status == session.StatusFailed {
					endStatus, endReason = ev.Status, ev.Reason
				}
				c.enqueue(c.enc.sessionState(ev.Status, ev.URL, ev.Title, ev.Reason))
			case session.StepNewEvent:
				metricStepsRecorded.Inc()
				c.enqueue(c.enc.stepNew(ev.Step))
			case session.StepUpdatedEvent:
				c.enqueue(c.enc.stepUpdated(ev.Step))
			case session.StepDeletedEvent:
				c.enqueue(c.enc.stepDeleted(ev.StepID, ev.Index))
			case session.CdpErrorEvent:
				c.enqueue(c.enc.cdpError(ev.Op, ev.Code, ev.Message))
			case session.UnhealthyEvent:
				c.enqueue(c.enc.sessionUnhealthy(ev.Status))
			case session.ElementHoverEvent:
				c.enqueue(c.enc.elementHover(ev.X, ev.Y, ev.Element))
			}
		}
	}
}

func (c *socket) heartbeatLoop() {
	ticker := c.clock.NewTicker(heartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.closedC:
			return
		case <-ticker.Chan():
			idle := c.sinceInbound()
			if idle > defaults.HeartbeatClose {
				c.close(stepwise.CloseIdle, "connection idle")
				return
			}
			if idle > defaults.HeartbeatAfter {
				deadline := time.Now().Add(writeTimeout)
				_ = c.ws.WriteControl(websocket.PingMessage, nil, deadline)
			}
		}
	}
}

func (c *socket) readLoop() {
	c.ws.SetReadLimit(maxInboundMessage)
	c.ws.SetPongHandler(func(string) error {
		c.touchInbound()
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closedC:
			default:
				// The client went away; the session survives for the
				// reconnect grace window.
				c.close(stepwise.CloseNormal, "client disconnected")
			}
			return
		}
		c.touchInbound()
		c.sess.Touch()
		c.handleMessage(data)
	}
}

// handleMessage classifies one inbound message, applies the rate
// limiter and forwards it. Inputs are dispatched in reception order;
// dispatch blocks the reader so ordering is strict.
func (c *socket) handleMessage(data []byte) {
	msgType, payload, err := parseClientMessage(data)
	if err != nil {
		c.enqueue(c.enc.inputError(trace.UserMessage(err)))
		return
	}

	switch msgType {
	case stepwise.MsgInputMouse, stepwise.MsgInputKeyboard, stepwise.MsgInputScroll:
		if !c.allow(limiter.KindInput, msgType) {
			return
		}
	case stepwise.MsgNavigate:
		if !c.allow(limiter.KindNavigate, msgType) {
			return
		}
	}

	switch msgType {
	case stepwise.MsgInputMouse:
		c.handleMouse(payload)
	case stepwise.MsgInputKeyboard:
		c.handleKeyboard(payload)
	case stepwise.MsgInputScroll:
		c.handleScroll(payload)
	case stepwise.MsgNavigate:
		c.handleNavigate(payload)
	case stepwise.MsgPing:
		var ping pingPayload
		_ = json.Unmarshal(payload, &ping)
		c.enqueue(c.enc.pong(ping.Timestamp))
	}
}

// allow consumes a rate limit token. Over-limit messages are dropped
// and the client is told when to retry.
func (c *socket) allow(kind limiter.Kind, action string) bool {
	decision := c.limits.Consume(limiter.Key{SessionID: c.sess.ID, Kind: kind}, 1)
	if decision.Allowed {
		return true
	}
	metricRateLimited.WithLabelValues(string(kind)).Inc()
	c.enqueue(c.enc.rateLimited(action, decision.Remaining, decision.RetryAt))
	return false
}

func (c *socket) handleMouse(payload json.RawMessage) {
	var msg mousePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.enqueue(c.enc.inputError("malformed input:mouse payload"))
		return
	}
	button := msg.Button
	if button == "" {
		button = browser.ButtonLeft
	}
	switch msg.Action {
	case "move", "down", "up":
		action := browser.MouseAction(msg.Action)
		if err := c.driver.Mouse(c.ctx, action, msg.X, msg.Y, button); err != nil {
			c.log.WithError(err).Debug("Mouse dispatch failed.")
			return
		}
		c.recorder.RecordMouse(c.ctx, action, msg.X, msg.Y, button)
	case "click":
		if err := c.driver.Click(c.ctx, msg.X, msg.Y, button); err != nil {
			c.log.WithError(err).Debug("Click dispatch failed.")
			return
		}
		c.recorder.RecordClick(c.ctx, msg.X, msg.Y, button)
	default:
		c.enqueue(c.enc.inputError("unknown mouse action " + msg.Action))
	}
}

func (c *socket) handleKeyboard(payload json.RawMessage) {
	var msg keyboardPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.enqueue(c.enc.inputError("malformed input:keyboard payload"))
		return
	}
	switch msg.Action {
	case "down", "up":
	default:
		c.enqueue(c.enc.inputError("unknown keyboard action " + msg.Action))
		return
	}
	action := browser.KeyAction(msg.Action)
	if err := c.driver.Key(c.ctx, action, msg.Key, msg.Text, msg.Modifiers, msg.Code, msg.KeyCode); err != nil {
		c.log.WithError(err).Debug("Key dispatch failed.")
		return
	}
	c.recorder.RecordKey(c.ctx, action, msg.Key, msg.Text, msg.Modifiers)
}

func (c *socket) handleScroll(payload json.RawMessage) {
	var msg scrollPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.enqueue(c.enc.inputError("malformed input:scroll payload"))
		return
	}
	if err := c.driver.Scroll(c.ctx, msg.X, msg.Y, msg.DeltaX, msg.DeltaY); err != nil {
		c.log.WithError(err).Debug("Scroll dispatch failed.")
		return
	}
	c.recorder.RecordScroll(c.ctx, msg.X, msg.Y, msg.DeltaX, msg.DeltaY)
}

func (c *socket) handleNavigate(payload json.RawMessage) {
	var msg navigatePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.enqueue(c.enc.inputError("malformed navigate payload"))
		return
	}
	var err error
	switch msg.Action {
	case "goto":
		if msg.URL == "" {
			c.enqueue(c.enc.inputError("navigate goto requires a url"))
			return
		}
		err = c.driver.Navigate(c.ctx, msg.URL)
	case "back":
		err = c.driver.Back(c.ctx)
	case "forward":
		err = c.driver.Forward(c.ctx)
	case "reload":
		err = c.driver.Reload(c.ctx)
	default:
		c.enqueue(c.enc.inputError("unknown navigate action " + msg.Action))
		return
	}
	if err != nil {
		// The resulting cdp:error event reaches the client through the
		// driver's event stream.
		c.log.WithError(err).Debug("Navigation failed.")
	}
}
