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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/stepwisehq/stepwise"
	"github.com/stepwisehq/stepwise/lib/browser"
	"github.com/stepwisehq/stepwise/lib/limiter"
	"github.com/stepwisehq/stepwise/lib/session"
)

func (e *testEnv) dial(t *testing.T, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") +
		"/ws?sessionId=" + sessionID + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		env := readEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("no %v message received", msgType)
	return envelope{}
}

func readUntilClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for i := 0; i < 50; i++ {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
		return closeErr.Code
	}
	t.Fatal("connection never closed")
	return 0
}

func sendAction(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	msg := fmt.Sprintf(`{"type":%q,"payload":%s}`, stepwise.MsgTypeBrowserAction, payload)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestSocketAuthFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	id, _ := env.createSession(t)

	conn := env.dial(t, id, "wrong-token")
	require.Equal(t, stepwise.CloseAuthFailure, readUntilClose(t, conn))

	conn = env.dial(t, "no-such-session", "token")
	require.Equal(t, stepwise.CloseAuthFailure, readUntilClose(t, conn))
}

func TestSocketRejectsInactiveSession(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)

	// Not started yet: nothing to bind to.
	conn := env.dial(t, id, token)
	require.Equal(t, stepwise.CloseInternalError, readUntilClose(t, conn))
}

func TestSocketHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)
	env.startSession(t, id, token, "https://example.com")

	conn := env.dial(t, id, token)
	env2 := readEnvelope(t, conn)
	require.Equal(t, stepwise.MsgSessionState, env2.Type)
	var state sessionStatePayload
	require.NoError(t, json.Unmarshal(env2.Payload, &state))
	require.Equal(t, string(session.StatusActive), state.Status)
	require.Equal(t, "https://example.com", state.URL)
}

func TestSocketSingleClient(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)
	env.startSession(t, id, token, "")

	first := env.dial(t, id, token)
	readUntil(t, first, stepwise.MsgSessionState)

	second := env.dial(t, id, token)
	require.Equal(t, stepwise.CloseAlreadyConnected, readUntilClose(t, second))

	// The first connection is unaffected.
	sendAction(t, first, `{"type":"ping","timestamp":7}`)
	readUntil(t, first, stepwise.MsgPong)
}

func TestSocketPingPong(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)
	env.startSession(t, id, token, "")

	conn := env.dial(t, id, token)
	readUntil(t, conn, stepwise.MsgSessionState)

	sendAction(t, conn, `{"type":"ping","timestamp":42}`)
	pong := readUntil(t, conn, stepwise.MsgPong)
	var payload pingPayload
	require.NoError(t, json.Unmarshal(pong.Payload, &payload))
	require.Equal(t, int64(42), payload.Timestamp)

	// The bare payload form works too.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":43}`)))
	pong = readUntil(t, conn, stepwise.MsgPong)
	require.NoError(t, json.Unmarshal(pong.Payload, &payload))
	require.Equal(t, int64(43), payload.Timestamp)
}

func TestSocketClickRecordsStep(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)
	env.startSession(t, id, token, "https://example.com")

	conn := env.dial(t, id, token)
	readUntil(t, conn, stepwise.MsgSessionState)

	sendAction(t, conn, `{"type":"input:mouse","action":"down","x":100,"y":120,"button":"left"}`)
	sendAction(t, conn, `{"type":"input:mouse","action":"up","x":100,"y":120,"button":"left"}`)

	msg := readUntil(t, conn, stepwise.MsgStepNew)
	var payload stepPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.Equal(t, session.ActionClick, payload.Step.Action)
	require.Equal(t, 0, payload.Step.Index)
	require.NotNil(t, payload.Step.X)
	require.Equal(t, 100, *payload.Step.X)
	require.NotNil(t, payload.Step.Element)
	require.Equal(t, "OK", payload.Step.Element.Label)
	require.True(t, strings.HasPrefix(payload.Step.ScreenshotDataURL, "data:image/jpeg;base64,"))

	calls := env.driver.callNames()
	require.Contains(t, calls, "mouse:down")
	require.Contains(t, calls, "mouse:up")
}

func TestSocketStreamsFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)
	env.startSession(t, id, token, "")

	conn := env.dial(t, id, token)
	readUntil(t, conn, stepwise.MsgSessionState)

	env.driver.frames <- browser.Frame{Data: []byte("frame-1"), At: time.Now()}

	msg := readUntil(t, conn, stepwise.MsgFrame)
	var payload framePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	require.NoError(t, err)
	require.Equal(t, "frame-1", string(data))
	require.Greater(t, payload.CapturedAt, int64(0))
}

func TestPushFrameLatestWins(t *testing.T) {
	c := &socket{
		frameC:  make(chan []byte, 1),
		closedC: make(chan struct{}),
	}
	c.pushFrame([]byte("stale"))
	c.pushFrame([]byte("fresh"))

	select {
	case frame := <-c.frameC:
		require.Equal(t, "fresh", string(frame))
	default:
		t.Fatal("no frame pending")
	}
	select {
	case frame := <-c.frameC:
		t.Fatalf("unexpected second frame %q", frame)
	default:
	}
}

func TestScreencastQualityZeroHonored(t *testing.T) {
	zero := 0
	env := newTestEnv(t, func(_ *session.ManagerConfig, wc *Config) {
		wc.ScreencastQuality = &zero
	})
	id, token := env.createSession(t)
	env.startSession(t, id, token, "")

	conn := env.dial(t, id, token)
	readUntil(t, conn, stepwise.MsgSessionState)

	require.Contains(t, env.driver.callNames(), "startScreencast:q=0")
}

func TestSocketMalformedInput(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)
	env.startSession(t, id, token, "")

	conn := env.dial(t, id, token)
	readUntil(t, conn, stepwise.MsgSessionState)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`)))
	readUntil(t, conn, stepwise.MsgInputError)

	sendAction(t, conn, `{"type":"input:mouse","action":"warp","x":1,"y":1}`)
	readUntil(t, conn, stepwise.MsgInputError)
}

func TestSocketRateLimited(t *testing.T) {
	env := newTestEnv(t, func(_ *session.ManagerConfig, wc *Config) {
		limits, err := limiter.New(limiter.Config{
			Rates: map[limiter.Kind]limiter.Rate{
				limiter.KindInput: {Capacity: 2, Refill: 0.01},
			},
		})
		require.NoError(t, err)
		wc.Limiter = limits
	})
	id, token := env.createSession(t)
	env.startSession(t, id, token, "")

	conn := env.dial(t, id, token)
	readUntil(t, conn, stepwise.MsgSessionState)

	for i := 0; i < 5; i++ {
		sendAction(t, conn, fmt.Sprintf(`{"type":"input:mouse","action":"move","x":%d,"y":10}`, i))
	}
	msg := readUntil(t, conn, stepwise.MsgRateLimited)
	var payload rateLimitedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.Equal(t, stepwise.MsgInputMouse, payload.Action)
	require.Greater(t, payload.RetryAt, int64(0))

	// Pings bypass the input bucket.
	sendAction(t, conn, `{"type":"ping","timestamp":1}`)
	readUntil(t, conn, stepwise.MsgPong)
}

func TestSocketNavigateDispatch(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)
	env.startSession(t, id, token, "")

	conn := env.dial(t, id, token)
	readUntil(t, conn, stepwise.MsgSessionState)

	sendAction(t, conn, `{"type":"navigate","action":"goto","url":"https://other.example"}`)
	sendAction(t, conn, `{"type":"navigate","action":"back"}`)
	sendAction(t, conn, `{"type":"ping"}`)
	readUntil(t, conn, stepwise.MsgPong)

	calls := env.driver.callNames()
	require.Contains(t, calls, "navigate:https://other.example")
	require.Contains(t, calls, "back")
}

func TestSocketSessionEndClosesNormal(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)
	env.startSession(t, id, token, "")

	conn := env.dial(t, id, token)
	readUntil(t, conn, stepwise.MsgSessionState)

	require.NoError(t, env.manager.End(context.Background(), id))
	require.Equal(t, stepwise.CloseNormal, readUntilClose(t, conn))
}

func TestSocketReconnectAfterDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	id, token := env.createSession(t)
	env.startSession(t, id, token, "")

	first := env.dial(t, id, token)
	readUntil(t, first, stepwise.MsgSessionState)
	require.NoError(t, first.Close())

	// The session survives the dropped socket; a new client can bind
	// once the server notices the disconnect.
	require.Eventually(t, func() bool {
		url := "ws" + strings.TrimPrefix(env.server.URL, "http") +
			"/ws?sessionId=" + id + "&token=" + token
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		var env2 envelope
		return json.Unmarshal(data, &env2) == nil && env2.Type == stepwise.MsgSessionState
	}, 5*time.Second, 100*time.Millisecond)

	sess, err := env.manager.Get(id)
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, sess.Status())
}
