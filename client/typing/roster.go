package typing

import (
	"sync"
	"time"

	"github.com/adwski/courtchat/model"
)

type entry struct {
	typing model.Typing
	seen   time.Time
}

// Roster tracks which remote users are typing in each room, in the order
// they started. With a positive TTL an entry not refreshed for TTL is
// dropped, which covers peers that vanish without sending stop.
type Roster struct {
	mx       *sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	self     string
	rooms    map[string][]entry
	onExpire func()
	timer    *time.Timer
	stopped  bool
}

type RosterConfig struct {
	// Self is the local user id; its own signals are ignored.
	Self string
	TTL  time.Duration
	Now  func() time.Time
	// OnExpire, if set with a positive TTL, is called after entries were
	// dropped for not being refreshed in time.
	OnExpire func()
}

func NewRoster(cfg RosterConfig) *Roster {
	r := &Roster{
		mx:       &sync.Mutex{},
		ttl:      cfg.TTL,
		now:      cfg.Now,
		self:     cfg.Self,
		rooms:    make(map[string][]entry),
		onExpire: cfg.OnExpire,
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Apply records a start or stop signal and reports whether the room's list changed.
func (r *Roster) Apply(t model.Typing) bool {
	if t.UserID == "" || t.UserID == r.self {
		return false
	}
	r.mx.Lock()
	defer r.mx.Unlock()

	list := r.rooms[t.RoomID]
	idx := indexOf(list, t.UserID)
	if !t.IsTyping {
		if idx < 0 {
			return false
		}
		r.set(t.RoomID, append(list[:idx:idx], list[idx+1:]...))
		return true
	}
	defer r.armLocked()
	if idx >= 0 {
		list[idx].seen = r.now()
		list[idx].typing.UserName = t.UserName
		return false
	}
	r.set(t.RoomID, append(list, entry{typing: t, seen: r.now()}))
	return true
}

// Stop cancels the pending expiry timer. Apply still works afterwards but
// OnExpire is no longer called.
func (r *Roster) Stop() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Roster) armLocked() {
	if r.ttl <= 0 || r.onExpire == nil || r.stopped || r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.ttl, r.expire)
}

// expire drops stale entries of every room and rearms for the earliest
// remaining deadline.
func (r *Roster) expire() {
	r.mx.Lock()
	r.timer = nil
	if r.stopped {
		r.mx.Unlock()
		return
	}
	var (
		now     = r.now()
		changed bool
		next    time.Time
	)
	for roomID, list := range r.rooms {
		kept := r.pruneLocked(roomID, now)
		changed = changed || len(kept) != len(list)
		for _, e := range kept {
			if deadline := e.seen.Add(r.ttl); next.IsZero() || deadline.Before(next) {
				next = deadline
			}
		}
	}
	if !next.IsZero() {
		r.timer = time.AfterFunc(next.Sub(now)+time.Millisecond, r.expire)
	}
	r.mx.Unlock()

	if changed {
		r.onExpire()
	}
}

// Remove forgets userID in roomID, e.g. when the user leaves.
func (r *Roster) Remove(roomID, userID string) bool {
	return r.Apply(model.Typing{RoomID: roomID, UserID: userID})
}

// Users returns users currently typing in roomID.
func (r *Roster) Users(roomID string) []model.Typing {
	r.mx.Lock()
	defer r.mx.Unlock()

	list := r.pruneLocked(roomID, r.now())
	out := make([]model.Typing, 0, len(list))
	for _, e := range list {
		out = append(out, e.typing)
	}
	return out
}

func (r *Roster) pruneLocked(roomID string, now time.Time) []entry {
	list := r.rooms[roomID]
	if r.ttl <= 0 {
		return list
	}
	kept := list[:0:0]
	for _, e := range list {
		if now.Sub(e.seen) <= r.ttl {
			kept = append(kept, e)
		}
	}
	r.set(roomID, kept)
	return kept
}

func (r *Roster) set(roomID string, list []entry) {
	if len(list) == 0 {
		delete(r.rooms, roomID)
		return
	}
	r.rooms[roomID] = list
}

func indexOf(list []entry, userID string) int {
	for i, e := range list {
		if e.typing.UserID == userID {
			return i
		}
	}
	return -1
}
