package otp

import "time"

// Clock supplies the current unix time in seconds
type Clock interface {
	NowSeconds() int64
}

// SystemClock reads the wall clock
type SystemClock struct{}

// NowSeconds returns time.Now() as unix seconds
func (SystemClock) NowSeconds() int64 {
	return time.Now().Unix()
}

// ClockFunc adapts a function to Clock
type ClockFunc func() int64

// NowSeconds calls f
func (f ClockFunc) NowSeconds() int64 {
	return f()
}
