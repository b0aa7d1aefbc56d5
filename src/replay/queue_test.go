package replay

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueRejectsWhenFull(t *testing.T) {
	var overflows atomic.Uint64
	q := NewQueue[int](2, &overflows)

	assert.True(t, q.Offer(1))
	assert.True(t, q.Offer(2))
	assert.False(t, q.Offer(3))
	assert.Equal(t, uint64(1), overflows.Load())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Cap())

	assert.Equal(t, 1, <-q.Items())
	assert.True(t, q.Offer(4))
	assert.Equal(t, 2, q.Drain())
	assert.Equal(t, 0, q.Len())

	assert.True(t, q.TryOffer(5))
	assert.True(t, q.TryOffer(6))
	assert.False(t, q.TryOffer(7))
	assert.Equal(t, uint64(1), overflows.Load())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.GroupCommitMaxSize = 0
	cfg.StatsWindow = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "group commit max size")
	assert.ErrorContains(t, err, "stats window")
}
