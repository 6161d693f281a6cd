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
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/ysmood/gson"
)

// StartScreencast enables JPEG screencasting and returns the frame
// channel. Every frame the engine emits is acked, but frames are only
// forwarded at most once per 1000/maxFPS ms; the channel holds a single
// frame and newer frames replace older ones.
func (d *Driver) StartScreencast(quality, maxFPS int) (<-chan Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateReady:
	case StateScreencasting:
		return nil, trace.AlreadyExists("screencast already running")
	default:
		return nil, trace.ConnectionProblem(nil, "driver is %v", d.state)
	}
	if maxFPS <= 0 {
		return nil, trace.BadParameter("maxFPS must be positive, got %d", maxFPS)
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	page := d.page.Context(ctx)
	frameC := make(chan Frame, 1)
	gate := newFrameGate(d.clock, maxFPS)

	wait := page.EachEvent(func(e *proto.PageScreencastFrame) {
		// The engine stops sending after a few unacked frames, so ack
		// even the ones we drop.
		_ = proto.PageScreencastFrameAck{SessionID: e.SessionID}.Call(page)
		if !gate.allow() {
			return
		}
		frame := Frame{Data: e.Data, At: d.clock.Now()}
		select {
		case frameC <- frame:
		default:
			// Latest wins.
			select {
			case <-frameC:
			default:
			}
			select {
			case frameC <- frame:
			default:
			}
		}
	})
	go wait()

	err := proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatJpeg,
		Quality:       gson.Int(quality),
		EveryNthFrame: gson.Int(1),
	}.Call(d.page)
	if err != nil {
		cancel()
		return nil, trace.Wrap(err, "%v", cdpErrorCode("start_screencast"))
	}

	d.screencastStop = cancel
	d.frameGate = gate
	d.state = StateScreencasting
	d.log.Debugf("Screencast started at quality %d, max %d fps.", quality, maxFPS)
	return frameC, nil
}

// StopScreencast stops frame delivery. The frame channel stays open but
// quiescent; consumers terminate through their own contexts.
func (d *Driver) StopScreencast() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateScreencasting {
		return nil
	}
	_ = proto.PageStopScreencast{}.Call(d.page)
	if d.screencastStop != nil {
		d.screencastStop()
		d.screencastStop = nil
	}
	d.state = StateReady
	d.log.Debug("Screencast stopped.")
	return nil
}

// frameGate throttles frame forwarding to a maximum rate.
type frameGate struct {
	clock clockwork.Clock
	gap   time.Duration

	mu   sync.Mutex
	last time.Time
}

func newFrameGate(clock clockwork.Clock, maxFPS int) *frameGate {
	return &frameGate{
		clock: clock,
		gap:   time.Second / time.Duration(maxFPS),
	}
}

// allow reports whether a frame may be forwarded now.
func (g *frameGate) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if !g.last.IsZero() && now.Sub(g.last) < g.gap {
		return false
	}
	g.last = now
	return true
}
