// Package schedule implements the daily send-window gate. Both checks
// are pure functions of the supplied time, which keeps them trivially
// testable with a fake clock.
package schedule

import "time"

// WithinWindow reports whether now falls inside the [startHour, endHour)
// daily send window. A time exactly at endHour:00:00 is out of window.
func WithinWindow(now time.Time, startHour, endHour int) bool {
	h := now.Hour()
	return h >= startHour && h < endHour
}

// UntilNextStart returns the duration from now until the next calendar
// day at startHour:00:00 in now's location. The target is always
// tomorrow, never later today: a paused session resumes the following
// day even when now's hour already equals startHour.
func UntilNextStart(now time.Time, startHour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day()+1, startHour, 0, 0, 0, now.Location())
	return next.Sub(now)
}
