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

// Package limiter implements per-session token buckets governing input
// and navigation events arriving over the gateway.
package limiter

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stepwisehq/stepwise/lib/defaults"
)

// Kind selects which bucket of a session an event draws from.
type Kind string

const (
	// KindInput covers mouse, keyboard and scroll events.
	KindInput Kind = "input"
	// KindNavigate covers goto/back/forward/reload actions.
	KindNavigate Kind = "navigate"
)

// Key identifies one bucket.
type Key struct {
	SessionID string
	Kind      Kind
}

// Rate describes a bucket: it holds at most Capacity tokens and refills
// at Refill tokens per second.
type Rate struct {
	Capacity float64
	Refill   float64
}

// Decision is the outcome of a Consume call.
type Decision struct {
	// Allowed reports whether the tokens were taken.
	Allowed bool
	// Remaining is the whole number of tokens left in the bucket.
	Remaining int
	// RetryAt is when the request would succeed. For allowed requests
	// it is when the bucket will be full again.
	RetryAt time.Time
}

// Config configures a Limiter.
type Config struct {
	// Rates maps bucket kinds to their parameters. Unset kinds fall
	// back to the package defaults.
	Rates map[Kind]Rate
	// Clock is used for refill arithmetic.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Rates == nil {
		c.Rates = map[Kind]Rate{}
	}
	if _, ok := c.Rates[KindInput]; !ok {
		c.Rates[KindInput] = Rate{Capacity: defaults.InputRateCapacity, Refill: defaults.InputRateRefill}
	}
	if _, ok := c.Rates[KindNavigate]; !ok {
		c.Rates[KindNavigate] = Rate{Capacity: defaults.NavigateRateCapacity, Refill: defaults.NavigateRateRefill}
	}
	for kind, rate := range c.Rates {
		if rate.Capacity <= 0 || rate.Refill <= 0 {
			return trace.BadParameter("limiter: bad rate for %q: %+v", kind, rate)
		}
	}
	return nil
}

// Limiter holds the buckets. Buckets are created lazily on first use and
// dropped when the owning session ends. None of this state is persisted.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[Key]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// New creates a Limiter.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[Key]*bucket),
	}, nil
}

// Consume atomically refills the bucket for key and takes n tokens from
// it if available.
func (l *Limiter) Consume(key Key, n int) Decision {
	rate := l.cfg.Rates[key.Kind]
	now := l.cfg.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: rate.Capacity, last: now}
		l.buckets[key] = b
	}

	// Refill since the last observation.
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate.Refill
		if b.tokens > rate.Capacity {
			b.tokens = rate.Capacity
		}
	}
	b.last = now

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return Decision{
			Allowed:   true,
			Remaining: int(b.tokens),
			RetryAt:   now.Add(durationFor(rate.Capacity-b.tokens, rate.Refill)),
		}
	}
	return Decision{
		Allowed:   false,
		Remaining: int(b.tokens),
		RetryAt:   now.Add(durationFor(need-b.tokens, rate.Refill)),
	}
}

// Remove drops all buckets belonging to a session.
func (l *Limiter) Remove(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, Key{SessionID: sessionID, Kind: KindInput})
	delete(l.buckets, Key{SessionID: sessionID, Kind: KindNavigate})
}

func durationFor(tokens, refill float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	return time.Duration(tokens / refill * float64(time.Second))
}
