// Package membership keeps the set of rooms a client believes it has joined.
package membership

import (
	"sort"
	"sync"
)

type Tracker struct {
	mx    *sync.RWMutex
	rooms map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		mx:    &sync.RWMutex{},
		rooms: make(map[string]struct{}),
	}
}

func (t *Tracker) Add(roomID string) {
	t.mx.Lock()
	t.rooms[roomID] = struct{}{}
	t.mx.Unlock()
}

func (t *Tracker) Remove(roomID string) {
	t.mx.Lock()
	delete(t.rooms, roomID)
	t.mx.Unlock()
}

func (t *Tracker) Has(roomID string) bool {
	t.mx.RLock()
	defer t.mx.RUnlock()
	_, ok := t.rooms[roomID]
	return ok
}

// List returns a sorted copy of joined room ids.
func (t *Tracker) List() []string {
	t.mx.RLock()
	ids := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	t.mx.RUnlock()
	sort.Strings(ids)
	return ids
}

func (t *Tracker) Reset() {
	t.mx.Lock()
	t.rooms = make(map[string]struct{})
	t.mx.Unlock()
}
