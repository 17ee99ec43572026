// Package events defines the closed set of notifications the connection
// manager delivers to its consumers.
package events

import (
	"sync"

	"github.com/adwski/courtchat/model"
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is implemented only by the variants declared in this package.
type Event interface {
	event()
}

type (
	StatusChanged struct {
		Old Status
		New Status
		Err error // cause, if any
	}

	MessageReceived struct {
		Message model.Message
	}

	TypingChanged struct {
		Typing model.Typing
	}

	PresenceChanged struct {
		Presence model.Presence
		Joined   bool
	}

	// Unauthorized is published when the server refuses the credential.
	Unauthorized struct {
		Err error
	}
)

func (StatusChanged) event()   {}
func (MessageReceived) event() {}
func (TypingChanged) event()   {}
func (PresenceChanged) event() {}
func (Unauthorized) event()    {}

// Observer must handle every event variant. Callbacks run on the connection
// goroutine and must not block.
type Observer interface {
	OnStatus(StatusChanged)
	OnMessage(MessageReceived)
	OnTyping(TypingChanged)
	OnPresence(PresenceChanged)
	OnUnauthorized(Unauthorized)
}

// Funcs adapts optional callbacks to Observer. Nil fields ignore the event.
type Funcs struct {
	Status       func(StatusChanged)
	Message      func(MessageReceived)
	Typing       func(TypingChanged)
	Presence     func(PresenceChanged)
	Unauthorized func(Unauthorized)
}

func (f Funcs) OnStatus(e StatusChanged) {
	if f.Status != nil {
		f.Status(e)
	}
}

func (f Funcs) OnMessage(e MessageReceived) {
	if f.Message != nil {
		f.Message(e)
	}
}

func (f Funcs) OnTyping(e TypingChanged) {
	if f.Typing != nil {
		f.Typing(e)
	}
}

func (f Funcs) OnPresence(e PresenceChanged) {
	if f.Presence != nil {
		f.Presence(e)
	}
}

func (f Funcs) OnUnauthorized(e Unauthorized) {
	if f.Unauthorized != nil {
		f.Unauthorized(e)
	}
}

type subscription struct {
	id  uint64
	obs Observer
}

// Bus fans events out to subscribed observers.
type Bus struct {
	mx     *sync.Mutex
	nextID uint64
	subs   []subscription
}

func NewBus() *Bus {
	return &Bus{mx: &sync.Mutex{}}
}

// Subscribe registers obs and returns a function removing it. The returned
// function may be called any number of times.
func (b *Bus) Subscribe(obs Observer) func() {
	b.mx.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, obs: obs})
	b.mx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mx.Lock()
	defer b.mx.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Reset drops every subscriber.
func (b *Bus) Reset() {
	b.mx.Lock()
	b.subs = nil
	b.mx.Unlock()
}

func (b *Bus) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.subs)
}

// Publish delivers ev to a snapshot of current subscribers in subscription order.
func (b *Bus) Publish(ev Event) {
	b.mx.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mx.Unlock()

	for _, s := range subs {
		dispatch(s.obs, ev)
	}
}

func dispatch(obs Observer, ev Event) {
	switch e := ev.(type) {
	case StatusChanged:
		obs.OnStatus(e)
	case MessageReceived:
		obs.OnMessage(e)
	case TypingChanged:
		obs.OnTyping(e)
	case PresenceChanged:
		obs.OnPresence(e)
	case Unauthorized:
		obs.OnUnauthorized(e)
	}
}
