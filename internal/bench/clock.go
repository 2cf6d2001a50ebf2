package bench

import "time"

// processStart anchors ClockCounter so readings stay on the monotonic
// clock.
var processStart = time.Now()

// ClockCounter returns the current monotonic tick count.
func ClockCounter() int64 {
	return int64(time.Since(processStart))
}

// ClockFrequency returns the number of ClockCounter ticks per second.
func ClockFrequency() int64 {
	return int64(time.Second)
}

// Timing brackets a batch of launches with two counter readings.
type Timing struct {
	Start int64
	End   int64
	Batch int
}

// Millis returns the average duration of one batch member in milliseconds.
func (t Timing) Millis(freq int64) float64 {
	if t.Batch <= 0 || freq <= 0 {
		return 0
	}
	return float64(t.End-t.Start) * 1000 / float64(freq) / float64(t.Batch)
}
