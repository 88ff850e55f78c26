package engagement

import (
	"sort"
	"sync"
)

// Subject names the relationship a change applies to.
type Subject string

const (
	SubjectFavorite Subject = "favorite"
	SubjectLike     Subject = "like"
	SubjectListItem Subject = "list_item"
	SubjectList     Subject = "list"
	SubjectRSVP     Subject = "rsvp"
)

// Change is delivered to observers whenever local state moves.
type Change struct {
	Subject    Subject
	ResourceID string
	ListID     string
	Member     bool
	Status     Status
	Phase      MutationPhase
}

// Observer receives local state changes. Observers must not call back into
// the session's Reset or Close.
type Observer func(Change)

type observers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]Observer
}

func (o *observers) subscribe(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observers) notify(c Change) {
	o.mu.RLock()
	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}
