// Package date caches the RFC1123 Date header value so response serialization
// does not format a timestamp per request.
package date

import (
	"sync/atomic"
	"time"
)

var cached atomic.Pointer[[]byte]

// StartTicker refreshes the cached value every 500ms until the returned stop
// function is called.
func StartTicker() func() {
	refresh()
	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

func refresh() {
	b := []byte(time.Now().UTC().Format(time.RFC1123))
	cached.Store(&b)
}

// Current returns the cached Date header bytes. Callers must not modify the
// returned slice. Falls back to formatting directly when the ticker has not
// been started.
func Current() []byte {
	if p := cached.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(time.RFC1123))
}
