package utils

import "time"

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
