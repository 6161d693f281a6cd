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

package browser

import (
	"context"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/gravitational/trace"
)

// MouseAction is a low-level mouse event kind.
type MouseAction string

const (
	MouseMove MouseAction = "move"
	MouseDown MouseAction = "down"
	MouseUp   MouseAction = "up"
)

// KeyAction is a low-level keyboard event kind.
type KeyAction string

const (
	KeyDown KeyAction = "down"
	KeyUp   KeyAction = "up"
)

// Mouse buttons as they appear on the wire.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
)

// buttonBit returns the devtools "buttons" bitmask bit for a button.
func buttonBit(button string) int {
	switch button {
	case ButtonLeft:
		return 1
	case ButtonRight:
		return 2
	case ButtonMiddle:
		return 4
	}
	return 0
}

func protoButton(button string) proto.InputMouseButton {
	switch button {
	case ButtonLeft:
		return proto.InputMouseButtonLeft
	case ButtonRight:
		return proto.InputMouseButtonRight
	case ButtonMiddle:
		return proto.InputMouseButtonMiddle
	}
	return proto.InputMouseButtonNone
}

// Mouse dispatches a single mouse event. Pressed-button state is
// tracked across calls: down ORs into the bitmask, up clears its bit,
// and every event carries the current bitmask so drags are faithful.
func (d *Driver) Mouse(ctx context.Context, action MouseAction, x, y int, button string) error {
	return d.op(ctx, "mouse", func(p *rod.Page) error {
		return d.dispatchMouse(p, action, x, y, button)
	})
}

// Click dispatches a down/up pair at the same point.
func (d *Driver) Click(ctx context.Context, x, y int, button string) error {
	return d.op(ctx, "click", func(p *rod.Page) error {
		if err := d.dispatchMouse(p, MouseDown, x, y, button); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(d.dispatchMouse(p, MouseUp, x, y, button))
	})
}

// dispatchMouse mutates d.buttons; callers hold d.mu via op.
func (d *Driver) dispatchMouse(p *rod.Page, action MouseAction, x, y int, button string) error {
	ev := proto.InputDispatchMouseEvent{
		X: float64(x),
		Y: float64(y),
	}
	switch action {
	case MouseDown:
		d.buttons |= buttonBit(button)
		ev.Type = proto.InputDispatchMouseEventTypeMousePressed
		ev.Button = protoButton(button)
		ev.ClickCount = 1
	case MouseUp:
		d.buttons &^= buttonBit(button)
		ev.Type = proto.InputDispatchMouseEventTypeMouseReleased
		ev.Button = protoButton(button)
		ev.ClickCount = 1
	case MouseMove:
		ev.Type = proto.InputDispatchMouseEventTypeMouseMoved
	default:
		return trace.BadParameter("unknown mouse action %q", action)
	}
	ev.Buttons = &d.buttons
	return ev.Call(p)
}

// Key dispatches a keyboard event. A down event with text produces
// keyDown (generates input); without text it is rawKeyDown. Missing
// code/keyCode values are resolved from the key symbol where possible
// and omitted otherwise.
func (d *Driver) Key(ctx context.Context, action KeyAction, key, text string, modifiers int, code string, keyCode int) error {
	return d.op(ctx, "key", func(p *rod.Page) error {
		typ := proto.InputDispatchKeyEventTypeRawKeyDown
		switch {
		case action == KeyUp:
			typ = proto.InputDispatchKeyEventTypeKeyUp
		case text != "":
			typ = proto.InputDispatchKeyEventTypeKeyDown
		}

		if code == "" || keyCode == 0 {
			resolvedCode, resolvedKeyCode := lookupKey(key)
			if code == "" {
				code = resolvedCode
			}
			if keyCode == 0 {
				keyCode = resolvedKeyCode
			}
		}

		ev := proto.InputDispatchKeyEvent{
			Type:      typ,
			Key:       key,
			Text:      text,
			Modifiers: modifiers,
			Code:      code,
		}
		if keyCode != 0 {
			ev.WindowsVirtualKeyCode = keyCode
			ev.NativeVirtualKeyCode = keyCode
		}
		return ev.Call(p)
	})
}

// Scroll synthesizes a wheel event at the given point.
func (d *Driver) Scroll(ctx context.Context, x, y, dx, dy int) error {
	return d.op(ctx, "scroll", func(p *rod.Page) error {
		return proto.InputDispatchMouseEvent{
			Type:    proto.InputDispatchMouseEventTypeMouseWheel,
			X:       float64(x),
			Y:       float64(y),
			DeltaX:  float64(dx),
			DeltaY:  float64(dy),
			Buttons: &d.buttons,
		}.Call(p)
	})
}
