package admin

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/polisai/polis-tap/pkg/tap"
)

func TestStreamDropsWhenFull(t *testing.T) {
	s := newStream("dbg", 2, tap.NewMetrics())

	assert.True(t, s.Publish([]byte("1")))
	assert.True(t, s.Publish([]byte("2")))
	assert.False(t, s.Publish([]byte("3")))
	assert.False(t, s.Publish([]byte("4")))
	assert.Equal(t, uint64(2), s.Dropped())

	assert.Equal(t, "1", string(<-s.traces))
	assert.True(t, s.Publish([]byte("5")))
	assert.Equal(t, uint64(2), s.Dropped())
}

func TestStreamDefaultsCapacity(t *testing.T) {
	s := newStream("dbg", 0, nil)
	assert.Equal(t, defaultStreamBuffer, cap(s.traces))
	for range defaultStreamBuffer {
		assert.True(t, s.Publish(nil))
	}
	assert.False(t, s.Publish(nil), "drops without metrics configured")
}
