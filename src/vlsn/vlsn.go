// Package vlsn implements the replication sequence: a process-wide,
// strictly increasing number attached to every replicated log entry.
package vlsn

import (
	"cmp"
	"strconv"
	"sync/atomic"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/assert"
)

type VLSN uint64

// Null marks an unset sequence. Assigned values start at 1.
const Null VLSN = 0

func (v VLSN) IsNull() bool {
	return v == Null
}

func (v VLSN) Next() VLSN {
	return v + 1
}

func (v VLSN) String() string {
	if v.IsNull() {
		return "null"
	}

	return strconv.FormatUint(uint64(v), 10)
}

func Compare(a, b VLSN) int {
	return cmp.Compare(a, b)
}

// Follows reports whether next is the immediate successor of prev. Any
// value follows Null.
func Follows(prev, next VLSN) bool {
	if prev.IsNull() {
		return !next.IsNull()
	}

	return next == prev.Next()
}

// Clock hands out sequence values while the node holds the primary role.
type Clock struct {
	last atomic.Uint64
}

// NewClock returns a clock whose first Next call yields last+1.
func NewClock(last VLSN) *Clock {
	c := &Clock{}
	c.last.Store(uint64(last))

	return c
}

func (c *Clock) Next() VLSN {
	return VLSN(c.last.Add(1))
}

// Current returns the last value handed out, or Null.
func (c *Clock) Current() VLSN {
	return VLSN(c.last.Load())
}

// Seed makes next the value returned by the following Next call. It is
// invoked once per primary epoch, before any concurrent use.
func (c *Clock) Seed(next VLSN) {
	assert.Assert(!next.IsNull(), "cannot seed the clock with a null sequence")
	c.last.Store(uint64(next) - 1)
}
