// Package timeline keeps the message list of one room in sync: it loads
// history over REST, merges live messages from the socket and sends new
// ones with optimistic display.
package timeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/courtchat/client/conn"
	"github.com/adwski/courtchat/client/events"
	"github.com/adwski/courtchat/client/typing"
	"github.com/adwski/courtchat/model"
)

const (
	defaultPageSize     = 50
	defaultJoinTimeout  = 10 * time.Second
	defaultLeaveTimeout = 5 * time.Second
)

var (
	ErrNotConnected    = conn.ErrNotConnected
	ErrMessageTooLarge = conn.ErrMessageTooLarge
	ErrClosed       = errors.New("session closed")
	ErrEmptyMessage = errors.New("empty message")
	ErrHistory      = errors.New("unable to load history")
	ErrJoin         = errors.New("unable to join room")
)

type (
	Transport interface {
		Subscribe(events.Observer) func()
		Status() events.Status
		JoinRoom(ctx context.Context, roomID string) error
		LeaveRoom(ctx context.Context, roomID string) error
		SendMessage(ctx context.Context, roomID string, draft model.Draft) (model.Message, error)
		SendTyping(roomID string, typing bool) error
	}

	// History returns up to limit messages of roomID older than before,
	// oldest first. Empty before means the latest page.
	History interface {
		History(ctx context.Context, roomID, before string, limit int) ([]model.Message, error)
	}

	Config struct {
		Logger    *zerolog.Logger
		Transport Transport
		History   History
		RoomID    string
		// Self is the local user id.
		Self     string
		PageSize int

		TypingDelay time.Duration
		TypingTTL   time.Duration
		AfterFunc   typing.AfterFunc
	}

	Session struct {
		logger   zerolog.Logger
		tr       Transport
		hist     History
		roomID   string
		self     string
		pageSize int

		ctx         context.Context
		cancel      context.CancelFunc
		unsubscribe func()
		closeOnce   *sync.Once
		updates     chan struct{}

		debouncer *typing.Debouncer
		roster    *typing.Roster

		mx       *sync.Mutex
		messages []model.Message
		ids      map[string]struct{}
		status   events.Status
		joined   bool
		closed   bool
		hasMore  bool
	}
)

// Open mounts a session on cfg.RoomID: it subscribes to live events, loads
// the latest history page and joins the room if the transport is connected.
// Close must be called when the session is no longer displayed.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	s := &Session{
		logger:    cfg.Logger.With().Str("component", "timeline").Str("roomID", cfg.RoomID).Logger(),
		tr:        cfg.Transport,
		hist:      cfg.History,
		roomID:    cfg.RoomID,
		self:      cfg.Self,
		pageSize:  cfg.PageSize,
		closeOnce: &sync.Once{},
		updates:   make(chan struct{}, 1),
		mx:        &sync.Mutex{},
		ids:       make(map[string]struct{}),
		status:    cfg.Transport.Status(),
	}
	if s.pageSize <= 0 {
		s.pageSize = defaultPageSize
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.debouncer = typing.NewDebouncer(typing.DebouncerConfig{
		Logger:    cfg.Logger,
		Signaler:  cfg.Transport,
		RoomID:    cfg.RoomID,
		Delay:     cfg.TypingDelay,
		AfterFunc: cfg.AfterFunc,
	})
	s.roster = typing.NewRoster(typing.RosterConfig{Self: cfg.Self, TTL: cfg.TypingTTL, OnExpire: s.notify})

	// subscribe before fetching so nothing sent meanwhile is missed
	s.unsubscribe = s.tr.Subscribe(observer{s})

	if s.hist != nil {
		page, err := s.hist.History(ctx, s.roomID, "", s.pageSize)
		if err != nil {
			s.teardown()
			return nil, errors.Join(ErrHistory, err)
		}
		s.mx.Lock()
		s.hasMore = len(page) == s.pageSize
		s.mergeLocked(page...)
		s.mx.Unlock()
	}

	if s.tr.Status() == events.StatusConnected {
		if err := s.join(ctx); err != nil {
			s.teardown()
			return nil, err
		}
	}
	s.notify()
	return s, nil
}

// Close leaves the room and unsubscribes. In-flight sends complete without
// touching the session. Calling Close more than once is safe.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.debouncer.Stop()
		// a join still in flight leaves by itself once it sees closed
		if s.teardown() {
			err = s.leave()
		}
	})
	return err
}

// teardown marks the session closed and reports whether it was joined.
func (s *Session) teardown() bool {
	s.mx.Lock()
	joined := s.joined
	s.closed = true
	s.joined = false
	s.mx.Unlock()
	s.cancel()
	s.unsubscribe()
	s.roster.Stop()
	return joined
}

func (s *Session) leave() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultLeaveTimeout)
	defer cancel()
	if err := s.tr.LeaveRoom(ctx, s.roomID); err != nil {
		s.logger.Debug().Err(err).Msg("leave failed")
		return err
	}
	return nil
}

// Messages returns a copy of the list ordered by server time and sequence.
func (s *Session) Messages() []model.Message {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) Status() events.Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.status
}

// HasMore reports whether older history may exist.
func (s *Session) HasMore() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.hasMore
}

// Updates delivers a signal after every change. Signals are coalesced.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Typists returns the other users typing in the room.
func (s *Session) Typists() []model.Typing {
	return s.roster.Users(s.roomID)
}

// Keystroke reports local typing activity.
func (s *Session) Keystroke() {
	if s.isClosed() {
		return
	}
	s.debouncer.Keystroke()
}

func (s *Session) StopTyping() {
	s.debouncer.Stop()
}

// Send emits content to the room. The message is shown as pending until the
// server acknowledges it. Without a connection Send fails with
// ErrNotConnected and leaves the list untouched, the caller may fall back
// to the REST API.
func (s *Session) Send(ctx context.Context, content string) (model.Message, error) {
	var msg model.Message
	if content == "" {
		return msg, ErrEmptyMessage
	}
	if len(content) > model.MaxContentSize {
		return msg, ErrMessageTooLarge
	}
	if s.isClosed() {
		return msg, ErrClosed
	}
	if s.tr.Status() != events.StatusConnected {
		return msg, ErrNotConnected
	}

	clientID := uuid.NewString()
	s.mx.Lock()
	s.mergeLocked(model.Message{
		ClientID:  clientID,
		RoomID:    s.roomID,
		SenderID:  s.self,
		Content:   content,
		Type:      model.MessageTypeText,
		Timestamp: time.Now(),
		Pending:   true,
	})
	s.mx.Unlock()
	s.notify()
	s.debouncer.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	msg, err := s.tr.SendMessage(ctx, s.roomID, model.Draft{
		Content:  content,
		ClientID: clientID,
		Type:     model.MessageTypeText,
	})

	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return msg, ErrClosed
	}
	if err != nil {
		s.dropPendingLocked(clientID)
		s.mx.Unlock()
		s.notify()
		return msg, err
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	s.mergeLocked(msg)
	s.mx.Unlock()
	s.notify()
	return msg, nil
}

// Add merges a message created without the socket, e.g. over REST. Messages
// of other rooms are ignored.
func (s *Session) Add(msg model.Message) {
	if msg.RoomID != s.roomID {
		return
	}
	msg.Pending = false
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return
	}
	s.mergeLocked(msg)
	s.mx.Unlock()
	s.notify()
}

// LoadOlder fetches the page preceding the oldest loaded message and
// returns how many messages it added.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	if s.hist == nil {
		return 0, nil
	}
	s.mx.Lock()
	before := ""
	for _, m := range s.messages {
		if !m.Pending {
			before = m.ID
			break
		}
	}
	s.mx.Unlock()

	page, err := s.hist.History(ctx, s.roomID, before, s.pageSize)
	if err != nil {
		return 0, errors.Join(ErrHistory, err)
	}

	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return 0, ErrClosed
	}
	n := len(s.messages)
	s.hasMore = len(page) == s.pageSize
	s.mergeLocked(page...)
	added := len(s.messages) - n
	s.mx.Unlock()
	s.notify()
	return added, nil
}

func (s *Session) isClosed() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.closed
}

func (s *Session) join(ctx context.Context) error {
	if err := s.tr.JoinRoom(ctx, s.roomID); err != nil {
		return errors.Join(ErrJoin, err)
	}
	s.mx.Lock()
	closed := s.closed
	s.joined = !closed
	s.mx.Unlock()
	if closed {
		_ = s.leave()
	}
	return nil
}

// mergeLocked adds msgs skipping ids already present. A message carrying
// the ClientID of a pending entry replaces that entry.
func (s *Session) mergeLocked(msgs ...model.Message) {
	for _, m := range msgs {
		if m.ID != "" {
			if _, ok := s.ids[m.ID]; ok {
				continue
			}
		}
		if idx := s.pendingIndex(m.ClientID); idx >= 0 && !m.Pending {
			s.messages[idx] = m
		} else {
			s.messages = append(s.messages, m)
		}
		if m.ID != "" {
			s.ids[m.ID] = struct{}{}
		}
	}
	sort.SliceStable(s.messages, func(i, j int) bool {
		a, b := s.messages[i], s.messages[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}

func (s *Session) pendingIndex(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].Pending && s.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func (s *Session) dropPendingLocked(clientID string) {
	if idx := s.pendingIndex(clientID); idx >= 0 {
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	}
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// observer keeps the Observer methods off the Session API.
type observer struct {
	s *Session
}

func (o observer) OnStatus(e events.StatusChanged) {
	s := o.s
	s.mx.Lock()
	s.status = e.New
	rejoin := e.New == events.StatusConnected && !s.joined && !s.closed
	s.mx.Unlock()
	s.notify()

	if rejoin {
		// observers run on the connection goroutine, the join must not block it
		go func() {
			// outlives Close, join undoes itself when it finds the session closed
			ctx, cancel := context.WithTimeout(context.Background(), defaultJoinTimeout)
			defer cancel()
			if err := s.join(ctx); err != nil {
				s.logger.Error().Err(err).Msg("join after connect failed")
				return
			}
			s.notify()
		}()
	}
}

func (o observer) OnMessage(e events.MessageReceived) {
	if e.Message.RoomID != o.s.roomID {
		return
	}
	o.s.mx.Lock()
	if o.s.closed {
		o.s.mx.Unlock()
		return
	}
	o.s.mergeLocked(e.Message)
	o.s.mx.Unlock()
	o.s.notify()
}

func (o observer) OnTyping(e events.TypingChanged) {
	if e.Typing.RoomID != o.s.roomID {
		return
	}
	if o.s.roster.Apply(e.Typing) {
		o.s.notify()
	}
}

func (o observer) OnPresence(e events.PresenceChanged) {
	if e.Joined || e.Presence.RoomID != o.s.roomID {
		return
	}
	if o.s.roster.Remove(o.s.roomID, e.Presence.UserID) {
		o.s.notify()
	}
}

func (o observer) OnUnauthorized(events.Unauthorized) {
	o.s.notify()
}
