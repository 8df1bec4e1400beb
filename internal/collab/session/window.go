// SPDX-License-Identifier: MIT

package session

// eventWindow is the bounded FIFO idempotency set of recently processed
// event IDs. When the window overflows, the oldest insertion is evicted and
// its ID becomes "new" again.
type eventWindow struct {
	cap  int
	ring []string
	next int
	set  map[string]struct{}
}

func newEventWindow(capacity int) *eventWindow {
	return &eventWindow{
		cap: capacity,
		set: make(map[string]struct{}, capacity),
	}
}

func (w *eventWindow) Contains(id string) bool {
	_, ok := w.set[id]
	return ok
}

func (w *eventWindow) Add(id string) {
	if _, ok := w.set[id]; ok {
		return
	}
	if len(w.set) == w.cap {
		delete(w.set, w.ring[w.next])
		w.ring[w.next] = id
	} else {
		w.ring = append(w.ring, id)
	}
	w.set[id] = struct{}{}
	w.next = (w.next + 1) % w.cap
}

func (w *eventWindow) Len() int {
	return len(w.set)
}
