// Package mock provides a test double for the usage.Recorder interface.
package mock

import (
	"context"
	"sync"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage"
)

// Recorder keeps every recorded event in memory.
type Recorder struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every Record call after the event is
	// stored.
	Err error

	events []usage.Event
}

// Record stores e and returns Err.
func (r *Recorder) Record(_ context.Context, e usage.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.Err
}

// Events returns a copy of the recorded events. Thread-safe.
func (r *Recorder) Events() []usage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usage.Event(nil), r.events...)
}

var _ usage.Recorder = (*Recorder)(nil)
