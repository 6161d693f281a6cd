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
	"time"

	"github.com/stepwisehq/stepwise/lib/browser"
)

// Step action variants.
const (
	ActionNavigate = "navigate"
	ActionClick    = "click"
	ActionType     = "type"
	ActionScroll   = "scroll"
	ActionKeypress = "keypress"
)

// Navigation triggers recorded on navigate steps.
const (
	TriggerUser     = browser.TriggerUser
	TriggerBack     = browser.TriggerBack
	TriggerForward  = browser.TriggerForward
	TriggerReload   = browser.TriggerReload
	TriggerRedirect = browser.TriggerRedirect
)

// Step is one recorded semantic user action. The action variants share
// a single flat shape; fields irrelevant to a variant are omitted from
// the wire encoding.
type Step struct {
	ID      string `json:"id"`
	Index   int    `json:"index"`
	Action  string `json:"action"`
	Caption string `json:"caption,omitempty"`

	// navigate
	FromURL string `json:"fromUrl,omitempty"`
	ToURL   string `json:"toUrl,omitempty"`
	Trigger string `json:"trigger,omitempty"`

	// click, scroll
	X      *int   `json:"x,omitempty"`
	Y      *int   `json:"y,omitempty"`
	Button string `json:"button,omitempty"`

	// click, type
	Element *browser.Element `json:"element,omitempty"`

	// type
	Text      string `json:"text,omitempty"`
	Submitted bool   `json:"submitted,omitempty"`

	// scroll
	DeltaX *int `json:"deltaX,omitempty"`
	DeltaY *int `json:"deltaY,omitempty"`

	// keypress
	Key       string `json:"key,omitempty"`
	Modifiers int    `json:"modifiers,omitempty"`

	ScreenshotPath    string `json:"screenshotPath,omitempty"`
	ScreenshotDataURL string `json:"screenshotDataUrl,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

func intPtr(v int) *int { return &v }
