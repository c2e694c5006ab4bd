package notify

import (
	"context"
	"sync"
)

// Recorder keeps every notification it is given. Fail makes Publish return an
// error after recording.
type Recorder struct {
	mu    sync.Mutex
	notes []Notification
	Fail  error
}

func (r *Recorder) Publish(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return r.Fail
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

// Events returns the notifications for event, in publish order.
func (r *Recorder) Events(event Event) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = nil
}
