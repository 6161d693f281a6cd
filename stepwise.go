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

// Package stepwise holds constants shared across the stepwise codebase.
package stepwise

// Version is the stepwise archive format version written into manifests.
const Version = "1.0.0"

const (
	// Component is the name of the logging field identifying a component
	Component = "component"

	// ComponentWeb is the HTTP API server
	ComponentWeb = "web"

	// ComponentSocket is the websocket gateway binding a client to a session
	ComponentSocket = "socket"

	// ComponentBrowser is the browser driver owning one headless browser
	ComponentBrowser = "browser"

	// ComponentSession is the session manager and step recorder
	ComponentSession = "session"

	// ComponentArchive is the .stepwise archive codec
	ComponentArchive = "archive"
)

// Websocket close codes sent by the gateway. Codes above 4000 are
// application-defined per RFC 6455.
const (
	// CloseNormal indicates an orderly shutdown of the connection.
	CloseNormal = 1000

	// CloseInternalError indicates the owning session failed fatally.
	CloseInternalError = 1011

	// CloseAuthFailure is sent on unknown session or token mismatch.
	CloseAuthFailure = 4401

	// CloseIdle is sent when the connection or session went idle.
	CloseIdle = 4408

	// CloseAlreadyConnected is sent on a second connection to a session
	// that already has one. Sessions are single-writer.
	CloseAlreadyConnected = 4409

	// CloseSlowConsumer is sent when the client cannot keep up with the
	// outbound event queue.
	CloseSlowConsumer = 4413
)

// Inbound websocket payload types.
const (
	// MsgTypeBrowserAction is the wrapper type for all inbound messages.
	MsgTypeBrowserAction = "BROWSER_ACTION"

	MsgInputMouse    = "input:mouse"
	MsgInputKeyboard = "input:keyboard"
	MsgInputScroll   = "input:scroll"
	MsgNavigate      = "navigate"
	MsgPing          = "ping"
)

// Outbound websocket message types.
const (
	MsgFrame            = "frame"
	MsgSessionState     = "session:state"
	MsgStepNew          = "step:new"
	MsgStepUpdated      = "step:updated"
	MsgStepDeleted      = "step:deleted"
	MsgPong             = "pong"
	MsgCdpError         = "cdp:error"
	MsgInputError       = "input:error"
	MsgRateLimited      = "rate:limited"
	MsgSessionUnhealthy = "session:unhealthy"
	MsgElementHover     = "element:hover"
	MsgError            = "error"
)
