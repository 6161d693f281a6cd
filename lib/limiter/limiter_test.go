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

package limiter

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, clock clockwork.Clock) *Limiter {
	t.Helper()
	l, err := New(Config{
		Clock: clock,
		Rates: map[Kind]Rate{
			KindInput:    {Capacity: 10, Refill: 5},
			KindNavigate: {Capacity: 2, Refill: 1},
		},
	})
	require.NoError(t, err)
	return l
}

func TestConsumeDrainsBucket(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)
	key := Key{SessionID: "s1", Kind: KindInput}

	for i := 0; i < 10; i++ {
		d := l.Consume(key, 1)
		require.True(t, d.Allowed, "request %d should be allowed", i)
		require.Equal(t, 10-i-1, d.Remaining)
	}

	d := l.Consume(key, 1)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	// One token refills in 200ms at 5 tokens/s.
	require.Equal(t, clock.Now().Add(200*time.Millisecond), d.RetryAt)
}

func TestRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)
	key := Key{SessionID: "s1", Kind: KindInput}

	for i := 0; i < 10; i++ {
		require.True(t, l.Consume(key, 1).Allowed)
	}
	require.False(t, l.Consume(key, 1).Allowed)

	clock.Advance(time.Second)
	d := l.Consume(key, 1)
	require.True(t, d.Allowed)
	require.Equal(t, 4, d.Remaining)
}

func TestRefillCapsAtCapacity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)
	key := Key{SessionID: "s1", Kind: KindInput}

	require.True(t, l.Consume(key, 1).Allowed)
	clock.Advance(time.Hour)

	d := l.Consume(key, 1)
	require.True(t, d.Allowed)
	require.Equal(t, 9, d.Remaining)
}

func TestBucketsAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)

	nav := Key{SessionID: "s1", Kind: KindNavigate}
	require.True(t, l.Consume(nav, 1).Allowed)
	require.True(t, l.Consume(nav, 1).Allowed)
	require.False(t, l.Consume(nav, 1).Allowed)

	// Input bucket for the same session is untouched, and other
	// sessions keep their own navigate buckets.
	require.True(t, l.Consume(Key{SessionID: "s1", Kind: KindInput}, 1).Allowed)
	require.True(t, l.Consume(Key{SessionID: "s2", Kind: KindNavigate}, 1).Allowed)
}

func TestLimiterIsNonAmplifying(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)
	key := Key{SessionID: "s1", Kind: KindInput}

	sent, allowed := 0, 0
	for i := 0; i < 500; i++ {
		sent++
		if l.Consume(key, 1).Allowed {
			allowed++
		}
		if i%100 == 0 {
			clock.Advance(10 * time.Millisecond)
		}
	}
	require.LessOrEqual(t, allowed, sent)
	// Capacity plus refill over the simulated 50ms, with slack.
	require.LessOrEqual(t, allowed, 12)
}

func TestRemove(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, clock)
	key := Key{SessionID: "s1", Kind: KindInput}

	for i := 0; i < 10; i++ {
		require.True(t, l.Consume(key, 1).Allowed)
	}
	require.False(t, l.Consume(key, 1).Allowed)

	// Removing the session resets its buckets.
	l.Remove("s1")
	require.True(t, l.Consume(key, 1).Allowed)
}

func TestDefaultRates(t *testing.T) {
	l, err := New(Config{Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	d := l.Consume(Key{SessionID: "s", Kind: KindInput}, 1)
	require.True(t, d.Allowed)
	require.Equal(t, 119, d.Remaining)

	d = l.Consume(Key{SessionID: "s", Kind: KindNavigate}, 1)
	require.True(t, d.Allowed)
	require.Equal(t, 9, d.Remaining)
}

func TestBadRate(t *testing.T) {
	_, err := New(Config{
		Rates: map[Kind]Rate{KindInput: {Capacity: 0, Refill: 1}},
	})
	require.Error(t, err)
}
