package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(window time.Duration, max int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(window, max)
	l.now = clock.Now
	return l, clock
}

func TestAllowUpToMaxThenReject(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 5)

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("1.2.3.4"), "request %d should be admitted", i+1)
	}
	assert.False(t, l.Allow("1.2.3.4"))
	assert.Equal(t, 0, l.Remaining("1.2.3.4"))
}

func TestAllowAgainAfterWindow(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 5)

	for i := 0; i < 5; i++ {
		l.Allow("client")
	}
	require.False(t, l.Allow("client"))

	clock.Advance(61 * time.Second)
	assert.True(t, l.Allow("client"))
	assert.Equal(t, 4, l.Remaining("client"))
}

func TestSlidingWindowFreesOldestOnly(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 2)

	require.True(t, l.Allow("c"))
	clock.Advance(40 * time.Second)
	require.True(t, l.Allow("c"))
	require.False(t, l.Allow("c"))

	// first stamp leaves the window, second is still inside
	clock.Advance(21 * time.Second)
	assert.True(t, l.Allow("c"))
	assert.False(t, l.Allow("c"))
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 1)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestPrune(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 3)
	l.Allow("a")
	l.Allow("b")

	clock.Advance(2 * time.Minute)
	l.Allow("b")

	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 3, l.Remaining("a"))
	assert.Equal(t, 2, l.Remaining("b"))
}
