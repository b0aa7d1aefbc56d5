package vlsn

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockNextIsStrictlyIncreasing(t *testing.T) {
	c := NewClock(Null)

	prev := c.Current()
	for range 1000 {
		v := c.Next()
		require.Equal(t, 1, Compare(v, prev))
		prev = v
	}
	assert.Equal(t, VLSN(1000), c.Current())
}

func TestClockConcurrentNextNeverRepeats(t *testing.T) {
	const (
		workers = 16
		perWork = 500
	)

	c := NewClock(41)
	results := make([][]VLSN, workers)

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWork {
				results[w] = append(results[w], c.Next())
			}
		}()
	}
	wg.Wait()

	var all []VLSN
	for w, vs := range results {
		for i := 1; i < len(vs); i++ {
			require.Less(t, vs[i-1], vs[i], "worker %d observed a non-increasing value", w)
		}
		all = append(all, vs...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i, v := range all {
		require.Equal(t, VLSN(42+i), v)
	}
}

func TestClockSeed(t *testing.T) {
	c := NewClock(5)
	c.Seed(100)
	assert.Equal(t, VLSN(99), c.Current())
	assert.Equal(t, VLSN(100), c.Next())
	assert.Equal(t, VLSN(101), c.Next())

	assert.Panics(t, func() { c.Seed(Null) })
}

func TestFollows(t *testing.T) {
	tests := []struct {
		name       string
		prev, next VLSN
		want       bool
	}{
		{"successor", 6, 7, true},
		{"gap", 6, 9, false},
		{"duplicate", 6, 6, false},
		{"first entry", Null, 5, true},
		{"null after null", Null, Null, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Follows(tt.prev, tt.next))
		})
	}
}
