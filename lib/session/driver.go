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

	"github.com/stepwisehq/stepwise/lib/browser"
)

// Driver is the browser automation surface a session owns. Implemented
// by *browser.Driver; tests substitute fakes.
type Driver interface {
	Start(ctx context.Context, vp browser.Viewport, initialURL string) (*browser.Info, error)
	Close(ctx context.Context) error
	Events() <-chan browser.Event
	Health(ctx context.Context) browser.HealthStatus

	StartScreencast(quality, maxFPS int) (<-chan browser.Frame, error)
	StopScreencast() error

	Mouse(ctx context.Context, action browser.MouseAction, x, y int, button string) error
	Click(ctx context.Context, x, y int, button string) error
	Key(ctx context.Context, action browser.KeyAction, key, text string, modifiers int, code string, keyCode int) error
	Scroll(ctx context.Context, x, y, dx, dy int) error

	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error

	ElementAt(ctx context.Context, x, y int) (*browser.Element, error)
	FocusedElement(ctx context.Context) (*browser.Element, error)
	Screenshot(ctx context.Context, clip *browser.Box) ([]byte, error)
	ScreenshotWithHighlight(ctx context.Context, box browser.Box, clip *browser.Box) ([]byte, error)
}
