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
	"encoding/json"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/gravitational/trace"
	"github.com/ysmood/gson"
)

// Navigate loads a URL and waits for DOM content loaded.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.setPendingTrigger(TriggerUser)
	return d.op(ctx, "navigate", func(p *rod.Page) error {
		wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
		if err := p.Navigate(url); err != nil {
			return trace.Wrap(err)
		}
		wait()
		return nil
	})
}

// Back navigates one entry back in history.
func (d *Driver) Back(ctx context.Context) error {
	d.setPendingTrigger(TriggerBack)
	return d.op(ctx, "back", func(p *rod.Page) error {
		wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
		if err := p.NavigateBack(); err != nil {
			return trace.Wrap(err)
		}
		wait()
		return nil
	})
}

// Forward navigates one entry forward in history.
func (d *Driver) Forward(ctx context.Context) error {
	d.setPendingTrigger(TriggerForward)
	return d.op(ctx, "forward", func(p *rod.Page) error {
		wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
		if err := p.NavigateForward(); err != nil {
			return trace.Wrap(err)
		}
		wait()
		return nil
	})
}

// Reload reloads the page.
func (d *Driver) Reload(ctx context.Context) error {
	d.setPendingTrigger(TriggerReload)
	return d.op(ctx, "reload", func(p *rod.Page) error {
		wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
		if err := (proto.PageReload{}).Call(p); err != nil {
			return trace.Wrap(err)
		}
		wait()
		return nil
	})
}

// ElementAt probes the page for the interactive element at a viewport
// point. Returns nil if nothing is there.
func (d *Driver) ElementAt(ctx context.Context, x, y int) (*Element, error) {
	var el *Element
	err := d.op(ctx, "element_at", func(p *rod.Page) error {
		return evalElement(p, &el, elementAtJS, x, y)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return el, nil
}

// FocusedElement describes the currently focused element, used to
// attribute typed text to its target.
func (d *Driver) FocusedElement(ctx context.Context) (*Element, error) {
	var el *Element
	err := d.op(ctx, "focused_element", func(p *rod.Page) error {
		return evalElement(p, &el, focusedElementJS)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return el, nil
}

func evalElement(p *rod.Page, out **Element, js string, args ...interface{}) error {
	res, err := p.Eval(js, args...)
	if err != nil {
		return trace.Wrap(err)
	}
	encoded := res.Value.Str()
	if encoded == "" {
		return nil
	}
	var el Element
	if err := json.Unmarshal([]byte(encoded), &el); err != nil {
		return trace.Wrap(err, "parsing element descriptor")
	}
	*out = &el
	return nil
}

// Screenshot captures the viewport (or a clip of it) as JPEG.
func (d *Driver) Screenshot(ctx context.Context, clip *Box) ([]byte, error) {
	var data []byte
	err := d.op(ctx, "screenshot", func(p *rod.Page) error {
		var err error
		data, err = capture(p, clip, *d.cfg.ScreenshotQuality)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// ScreenshotWithHighlight draws a fixed-position overlay around the
// given box, captures, and removes the overlay. The overlay element id
// is well known so a leaked overlay is replaced on the next call.
func (d *Driver) ScreenshotWithHighlight(ctx context.Context, box Box, clip *Box) ([]byte, error) {
	var data []byte
	err := d.op(ctx, "screenshot", func(p *rod.Page) error {
		if _, err := p.Eval(highlightJS, box.X, box.Y, box.Width, box.Height); err != nil {
			return trace.Wrap(err)
		}
		defer func() {
			_, _ = p.Eval(removeHighlightJS)
		}()
		// Give the compositor a moment to paint the overlay.
		time.Sleep(50 * time.Millisecond)
		var err error
		data, err = capture(p, clip, *d.cfg.ScreenshotQuality)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

func capture(p *rod.Page, clip *Box, quality int) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: gson.Int(quality),
	}
	if clip != nil {
		req.Clip = &proto.PageViewport{
			X:      clip.X,
			Y:      clip.Y,
			Width:  clip.Width,
			Height: clip.Height,
			Scale:  1,
		}
	}
	data, err := p.Screenshot(false, req)
	return data, trace.Wrap(err)
}

const highlightOverlayID = "__stepwise_highlight__"

// describeElementJS is shared by the element probes: walks up to the
// nearest interactive ancestor and computes the best label available.
const describeElementJS = `
	const describe = (el) => {
		const interactive = 'button, a, input, select, textarea, label, [role="button"], [role="link"]';
		const near = el.closest(interactive);
		if (near) el = near;

		const labelFor = (el) => {
			const aria = el.getAttribute('aria-label');
			if (aria) return aria;
			const labelledBy = el.getAttribute('aria-labelledby');
			if (labelledBy) {
				const ref = document.getElementById(labelledBy);
				if (ref && ref.textContent) return ref.textContent.trim();
			}
			if (el.id) {
				const assoc = document.querySelector('label[for="' + el.id + '"]');
				if (assoc && assoc.textContent) return assoc.textContent.trim();
			}
			const ancestor = el.closest('label');
			if (ancestor && ancestor.textContent) return ancestor.textContent.trim();
			if (el.placeholder) return el.placeholder;
			if (el.title) return el.title;
			if (el.tagName === 'BUTTON' && el.value) return el.value;
			if (el.alt) return el.alt;
			if (el.textContent) return el.textContent.trim().slice(0, 100);
			return '';
		};

		const rect = el.getBoundingClientRect();
		return {
			tag: el.tagName.toLowerCase(),
			id: el.id || undefined,
			classes: el.classList.length ? Array.from(el.classList) : undefined,
			testId: el.getAttribute('data-testid') || undefined,
			role: el.getAttribute('role') || undefined,
			text: el.textContent ? el.textContent.trim().slice(0, 100) : undefined,
			label: labelFor(el) || undefined,
			name: el.getAttribute('name') || undefined,
			placeholder: el.getAttribute('placeholder') || undefined,
			box: {x: rect.x, y: rect.y, width: rect.width, height: rect.height},
		};
	};
`

const elementAtJS = `(x, y) => {` + describeElementJS + `
	const el = document.elementFromPoint(x, y);
	return el ? JSON.stringify(describe(el)) : '';
}`

const focusedElementJS = `() => {` + describeElementJS + `
	const el = document.activeElement;
	if (!el || el === document.body) return '';
	return JSON.stringify(describe(el));
}`

const highlightJS = `(x, y, w, h) => {
	const id = '` + highlightOverlayID + `';
	const prev = document.getElementById(id);
	if (prev) prev.remove();
	const div = document.createElement('div');
	div.id = id;
	div.style.cssText = 'position:fixed;border:3px solid #f97316;border-radius:4px;' +
		'z-index:999999;pointer-events:none;' +
		'left:' + (x - 3) + 'px;top:' + (y - 3) + 'px;' +
		'width:' + w + 'px;height:' + h + 'px;';
	document.body.appendChild(div);
}`

const removeHighlightJS = `() => {
	const el = document.getElementById('` + highlightOverlayID + `');
	if (el) el.remove();
}`
