// Package sessionclient is the client-resident half of the session channel:
// the reconnecting channel itself, activity tracking, sync between sibling
// client contexts and user notifications.
package sessionclient

import (
	"sync"
	"time"
)

const maxBackoff = time.Hour

// BackoffDelay is the wait before reconnect attempt n (1-based):
// base * 2^(n-1), capped at one hour.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Scheduler runs f after d and returns a function that cancels it.
type Scheduler func(d time.Duration, f func()) (cancel func())

// Ticker runs f every d until the returned stop function is called.
type Ticker func(d time.Duration, f func()) (stop func())

func realScheduler(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

func realTicker(d time.Duration, f func()) func() {
	t := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-t.C:
				f()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
		})
	}
}
