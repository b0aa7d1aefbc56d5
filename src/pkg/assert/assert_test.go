package assert

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssert(t *testing.T) {
	require.NotPanics(t, func() { Assert(true, "never %d", 1) })
	require.PanicsWithValue(t, "assertion failed: bad value 7", func() {
		Assert(false, "bad value %d", 7)
	})
	require.PanicsWithValue(t, "assertion failed", func() { Assert(false) })
}

func TestNoError(t *testing.T) {
	err := errors.New("boom")
	require.PanicsWithError(t, "boom", func() { NoError(err) })
	require.NotPanics(t, func() { NoError(nil) })
}

func TestCast(t *testing.T) {
	require.Equal(t, 3, Cast[int](any(3)))
	require.Panics(t, func() { Cast[string](any(3)) })
}
