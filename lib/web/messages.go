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
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stepwisehq/stepwise"
	"github.com/stepwisehq/stepwise/lib/browser"
	"github.com/stepwisehq/stepwise/lib/secret"
	"github.com/stepwisehq/stepwise/lib/session"
)

// envelope is the wrapper shared by both directions: inbound messages
// carry type BROWSER_ACTION with the class inside the payload, outbound
// messages carry the class in the wrapper itself.
type envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type payloadHeader struct {
	Type string `json:"type"`
}

// mousePayload is an input:mouse message.
type mousePayload struct {
	Action string `json:"action"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Button string `json:"button,omitempty"`
}

// keyboardPayload is an input:keyboard message.
type keyboardPayload struct {
	Action    string `json:"action"`
	Key       string `json:"key"`
	Text      string `json:"text,omitempty"`
	Modifiers int    `json:"modifiers,omitempty"`
	Code      string `json:"code,omitempty"`
	KeyCode   int    `json:"keyCode,omitempty"`
}

// scrollPayload is an input:scroll message.
type scrollPayload struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	DeltaX int `json:"deltaX"`
	DeltaY int `json:"deltaY"`
}

// navigatePayload is a navigate message.
type navigatePayload struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

// pingPayload is a ping message.
type pingPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// parseClientMessage extracts the payload class and body from an
// inbound message. Both the wrapped form and the legacy bare payload
// form are accepted.
func parseClientMessage(data []byte) (string, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, trace.BadParameter("malformed message: %v", err)
	}
	switch env.Type {
	case stepwise.MsgTypeBrowserAction:
		if len(env.Payload) == 0 {
			return "", nil, trace.BadParameter("message has no payload")
		}
		var header payloadHeader
		if err := json.Unmarshal(env.Payload, &header); err != nil {
			return "", nil, trace.BadParameter("malformed payload: %v", err)
		}
		if header.Type == "" {
			return "", nil, trace.BadParameter("payload has no type")
		}
		return header.Type, env.Payload, nil
	case stepwise.MsgInputMouse, stepwise.MsgInputKeyboard, stepwise.MsgInputScroll,
		stepwise.MsgNavigate, stepwise.MsgPing:
		// Bare payload form.
		return env.Type, data, nil
	case "":
		return "", nil, trace.BadParameter("message has no type")
	}
	return "", nil, trace.BadParameter("unknown message type %q", env.Type)
}

// encoder builds outbound messages with server-generated ids and
// timestamps.
type encoder struct {
	clock clockwork.Clock
}

func (e encoder) encode(msgType string, payload interface{}) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs; a marshal failure is a bug.
		panic(err)
	}
	out, err := json.Marshal(envelope{
		ID:        secret.NewID(),
		Type:      msgType,
		Timestamp: e.clock.Now().UnixMilli(),
		Payload:   body,
	})
	if err != nil {
		panic(err)
	}
	return out
}

type framePayload struct {
	Data       string `json:"data"`
	CapturedAt int64  `json:"capturedAt"`
}

func (e encoder) frame(f browser.Frame) []byte {
	return e.encode(stepwise.MsgFrame, framePayload{
		Data:       base64.StdEncoding.EncodeToString(f.Data),
		CapturedAt: f.At.UnixMilli(),
	})
}

type sessionStatePayload struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (e encoder) sessionState(status session.Status, url, title, reason string) []byte {
	return e.encode(stepwise.MsgSessionState, sessionStatePayload{
		Status: string(status),
		URL:    url,
		Title:  title,
		Reason: reason,
	})
}

type stepPayload struct {
	Step session.Step `json:"step"`
}

func (e encoder) stepNew(step session.Step) []byte {
	return e.encode(stepwise.MsgStepNew, stepPayload{Step: step})
}

func (e encoder) stepUpdated(step session.Step) []byte {
	return e.encode(stepwise.MsgStepUpdated, stepPayload{Step: step})
}

type stepDeletedPayload struct {
	StepID string `json:"stepId"`
	Index  int    `json:"index"`
}

func (e encoder) stepDeleted(stepID string, index int) []byte {
	return e.encode(stepwise.MsgStepDeleted, stepDeletedPayload{StepID: stepID, Index: index})
}

func (e encoder) pong(timestamp int64) []byte {
	return e.encode(stepwise.MsgPong, pingPayload{Timestamp: timestamp})
}

type cdpErrorPayload struct {
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e encoder) cdpError(op, code, message string) []byte {
	return e.encode(stepwise.MsgCdpError, cdpErrorPayload{Op: op, Code: code, Message: message})
}

type inputErrorPayload struct {
	Message string `json:"message"`
}

func (e encoder) inputError(message string) []byte {
	return e.encode(stepwise.MsgInputError, inputErrorPayload{Message: message})
}

type rateLimitedPayload struct {
	Action    string `json:"action"`
	Remaining int    `json:"remaining"`
	RetryAt   int64  `json:"retryAt"`
}

func (e encoder) rateLimited(action string, remaining int, retryAt time.Time) []byte {
	return e.encode(stepwise.MsgRateLimited, rateLimitedPayload{
		Action:    action,
		Remaining: remaining,
		RetryAt:   retryAt.UnixMilli(),
	})
}

type unhealthyPayload struct {
	Status string `json:"status"`
}

func (e encoder) sessionUnhealthy(status browser.HealthStatus) []byte {
	return e.encode(stepwise.MsgSessionUnhealthy, unhealthyPayload{Status: string(status)})
}

type elementHoverPayload struct {
	X       int              `json:"x"`
	Y       int              `json:"y"`
	Element *browser.Element `json:"element,omitempty"`
}

func (e encoder) elementHover(x, y int, element *browser.Element) []byte {
	return e.encode(stepwise.MsgElementHover, elementHoverPayload{X: x, Y: y, Element: element})
}
