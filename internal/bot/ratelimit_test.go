package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("caps messages within a window", func(t *testing.T) {
		l := newRateLimiter(10*time.Minute, 3)

		assert.True(t, l.allow(42, base))
		assert.True(t, l.allow(42, base.Add(time.Minute)))
		assert.True(t, l.allow(42, base.Add(2*time.Minute)))
		assert.False(t, l.allow(42, base.Add(3*time.Minute)))
	})

	t.Run("window expiry resets the count", func(t *testing.T) {
		l := newRateLimiter(10*time.Minute, 1)

		assert.True(t, l.allow(42, base))
		assert.False(t, l.allow(42, base.Add(5*time.Minute)))
		assert.True(t, l.allow(42, base.Add(10*time.Minute)))
	})

	t.Run("senders are counted independently", func(t *testing.T) {
		l := newRateLimiter(10*time.Minute, 1)

		assert.True(t, l.allow(42, base))
		assert.True(t, l.allow(43, base))
		assert.False(t, l.allow(42, base.Add(time.Second)))
	})

	t.Run("expired windows are dropped from the map", func(t *testing.T) {
		l := newRateLimiter(10*time.Minute, 3)

		for id := int64(1); id <= 50; id++ {
			assert.True(t, l.allow(id, base))
		}
		l.mu.Lock()
		assert.Len(t, l.counts, 50)
		l.mu.Unlock()

		// One active sender a window later; the idle fifty must not linger.
		assert.True(t, l.allow(99, base.Add(10*time.Minute)))
		l.mu.Lock()
		assert.Len(t, l.counts, 1)
		l.mu.Unlock()
	})

	t.Run("zero max disables limiting", func(t *testing.T) {
		l := newRateLimiter(10*time.Minute, 0)

		for i := 0; i < 100; i++ {
			assert.True(t, l.allow(42, base))
		}
	})
}
