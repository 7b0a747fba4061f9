package bridge

import "time"

// Timer represents a timer that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock schedules the flush and completion timeout callbacks. Tests swap in
// a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the default Clock implementation using the standard library.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
