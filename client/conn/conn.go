// Package conn manages the single websocket link a client keeps with the
// real-time server. It authenticates the handshake, reconnects after link
// loss, replays room joins and turns inbound frames into typed events.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/adwski/courtchat/client/events"
	"github.com/adwski/courtchat/client/membership"
	"github.com/adwski/courtchat/model"
)

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultReconnectAttempts = 5
	defaultRequestTimeout    = 10 * time.Second

	defaultHandshakeTimeout   = 5 * time.Second
	defaultReadBufferSize     = 10000
	defaultWriteBufferSize    = 10000
	defaultMaxMessageSize     = 64 << 10
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultReplayConcurrency  = 4
	defaultTxQueue            = 16

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrNoCredentials      = errors.New("no credentials")
	ErrNotConnected       = errors.New("not connected")
	ErrDisconnected       = errors.New("connection lost")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrDial               = errors.New("unable to connect")
	ErrRejected           = errors.New("request rejected by server")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrMessageTooLarge    = errors.New("message is too large")
)

type (
	// TokenSource supplies the bearer token for the handshake.
	TokenSource interface {
		Token() string
	}

	Config struct {
		Logger      *zerolog.Logger
		Credentials TokenSource

		// URL of the websocket endpoint, e.g. ws://localhost:8888/ws.
		URL    string
		Dialer *websocket.Dialer

		ReconnectDelay    time.Duration
		ReconnectAttempts int
		RequestTimeout    time.Duration

		// Tap, if set, sees every frame after it is written or read.
		Tap func(inbound bool, f model.Frame)
	}

	Manager struct {
		logger zerolog.Logger
		creds  TokenSource
		url    string
		dialer *websocket.Dialer
		tap    func(bool, model.Frame)

		reconnectDelay    time.Duration
		reconnectAttempts int
		requestTimeout    time.Duration

		bus   *events.Bus
		rooms *membership.Tracker

		connectMx *sync.Mutex

		mx            *sync.Mutex
		status        events.Status
		epoch         uint64
		link          *link
		stopReconnect context.CancelFunc
	}
)

func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:            cfg.Logger.With().Str("component", "conn").Logger(),
		creds:             cfg.Credentials,
		url:               cfg.URL,
		dialer:            cfg.Dialer,
		tap:               cfg.Tap,
		reconnectDelay:    cfg.ReconnectDelay,
		reconnectAttempts: cfg.ReconnectAttempts,
		requestTimeout:    cfg.RequestTimeout,
		bus:               events.NewBus(),
		rooms:             membership.NewTracker(),
		connectMx:         &sync.Mutex{},
		mx:                &sync.Mutex{},
		status:            events.StatusDisconnected,
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultReadBufferSize,
			WriteBufferSize:  defaultWriteBufferSize,
		}
	}
	if m.reconnectDelay <= 0 {
		m.reconnectDelay = defaultReconnectDelay
	}
	if m.reconnectAttempts == 0 {
		m.reconnectAttempts = defaultReconnectAttempts
	}
	if m.requestTimeout <= 0 {
		m.requestTimeout = defaultRequestTimeout
	}
	return m
}

// Subscribe registers obs for every event the manager publishes. Observers
// are called from the connection goroutines and must not call blocking
// Manager methods inline.
func (m *Manager) Subscribe(obs events.Observer) func() {
	return m.bus.Subscribe(obs)
}

func (m *Manager) Status() events.Status {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.status
}

func (m *Manager) IsConnected() bool {
	return m.Status() == events.StatusConnected
}

// Rooms returns the rooms that will be rejoined after a reconnect.
func (m *Manager) Rooms() []string {
	return m.rooms.List()
}

// Connect dials the server with the stored credential. It is a no-op when
// already connected and aborts any reconnect loop in progress.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMx.Lock()
	defer m.connectMx.Unlock()

	token := m.creds.Token()
	if token == "" {
		return ErrNoCredentials
	}

	m.mx.Lock()
	if m.link != nil && m.status == events.StatusConnected {
		m.mx.Unlock()
		return nil
	}
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.epoch++
	ep := m.epoch
	// a link set up by an outpaced reconnect is not connected yet
	stale := m.link
	m.link = nil
	m.mx.Unlock()

	if stale != nil {
		stale.cancel()
	}
	m.transition(ep, events.StatusConnecting, nil)

	l, err := m.dial(ctx, token)
	if err != nil {
		m.failConnect(ep, err)
		return err
	}

	m.mx.Lock()
	if ep != m.epoch {
		m.mx.Unlock()
		l.discard()
		return ErrDisconnected
	}
	m.link = l
	m.mx.Unlock()

	m.startLink(ep, l)
	m.transition(ep, events.StatusConnected, nil)
	m.logger.Debug().Str("url", m.url).Msg("connected")

	if len(m.rooms.List()) > 0 {
		go m.replay(ep)
	}
	return nil
}

// Disconnect closes the link, stops reconnecting, forgets joined rooms and
// drops every subscriber.
func (m *Manager) Disconnect() {
	m.mx.Lock()
	m.epoch++
	ep := m.epoch
	l := m.link
	m.link = nil
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.mx.Unlock()

	if l != nil {
		l.cancel()
	}
	m.rooms.Reset()
	m.transition(ep, events.StatusDisconnected, nil)
	m.bus.Reset()
	m.logger.Debug().Msg("disconnected")
}

// JoinRoom asks the server to join roomID and records it on success.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	if _, err := m.request(ctx, model.FrameJoinRoom, roomID, nil); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	m.rooms.Add(roomID)
	m.logger.Debug().Str("roomID", roomID).Msg("room joined")
	return nil
}

// LeaveRoom asks the server to leave roomID. The room is forgotten locally
// whatever the outcome.
func (m *Manager) LeaveRoom(ctx context.Context, roomID string) error {
	m.rooms.Remove(roomID)
	if _, err := m.request(ctx, model.FrameLeaveRoom, roomID, nil); err != nil {
		return fmt.Errorf("leave %s: %w", roomID, err)
	}
	m.logger.Debug().Str("roomID", roomID).Msg("room left")
	return nil
}

// SendMessage emits draft to roomID and returns the message as stored by
// server. It fails with ErrNotConnected without touching the network when
// the link is down, and with ErrMessageTooLarge when content exceeds
// model.MaxContentSize.
func (m *Manager) SendMessage(ctx context.Context, roomID string, draft model.Draft) (model.Message, error) {
	var msg model.Message
	if len(draft.Content) > model.MaxContentSize {
		return msg, ErrMessageTooLarge
	}
	reply, err := m.request(ctx, model.FrameSendMessage, roomID, draft)
	if err != nil {
		return msg, fmt.Errorf("send to %s: %w", roomID, err)
	}
	if err = reply.Decode(&msg); err != nil {
		return msg, errors.Join(ErrMalformedFrame, err)
	}
	return msg, nil
}

func (m *Manager) StartTyping(roomID string) error {
	return m.SendTyping(roomID, true)
}

func (m *Manager) StopTyping(roomID string) error {
	return m.SendTyping(roomID, false)
}

// SendTyping emits a typing start or stop signal. Nothing is acknowledged.
func (m *Manager) SendTyping(roomID string, typing bool) error {
	typ := model.FrameTypingStop
	if typing {
		typ = model.FrameTypingStart
	}
	f, err := model.NewFrame(typ, roomID, model.Typing{RoomID: roomID, IsTyping: typing})
	if err != nil {
		return err
	}
	l, err := m.current()
	if err != nil {
		return err
	}
	return l.send(context.Background(), f)
}

func (m *Manager) current() (*link, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.link == nil || m.status != events.StatusConnected {
		return nil, ErrNotConnected
	}
	return m.link, nil
}

func (m *Manager) request(ctx context.Context, typ model.FrameType, roomID string, payload any) (model.Frame, error) {
	l, err := m.current()
	if err != nil {
		return model.Frame{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	return l.request(ctx, typ, roomID, payload)
}

// transition sets status if ep is still current and publishes the change.
func (m *Manager) transition(ep uint64, to events.Status, cause error) bool {
	m.mx.Lock()
	if ep != m.epoch {
		m.mx.Unlock()
		return false
	}
	from := m.status
	m.status = to
	m.mx.Unlock()

	if from != to {
		m.bus.Publish(events.StatusChanged{Old: from, New: to, Err: cause})
	}
	return true
}

func (m *Manager) failConnect(ep uint64, err error) {
	if errors.Is(err, ErrUnauthorized) {
		m.bus.Publish(events.Unauthorized{Err: err})
	}
	m.transition(ep, events.StatusError, err)
	m.logger.Error().Err(err).Msg("connect failed")
}

func (m *Manager) startLink(ep uint64, l *link) {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		l.sender(wg)
		l.cancel()
	}()
	go func() {
		l.receiver(wg, m.dispatch)
		l.cancel()
	}()
	go func() {
		<-l.ctx.Done()
		webSocketCloser(l.conn, &l.logger)
	}()
	go func() {
		wg.Wait()
		l.failPending()
		close(l.done)
		m.linkLost(ep, l)
	}()
}

func (m *Manager) linkLost(ep uint64, l *link) {
	m.mx.Lock()
	if ep != m.epoch || m.link != l {
		m.mx.Unlock()
		return
	}
	m.link = nil
	ctx, cancel := context.WithCancel(context.Background())
	m.stopReconnect = cancel
	m.mx.Unlock()

	m.logger.Warn().Err(l.err).Msg("link lost")
	m.transition(ep, events.StatusDisconnected, errors.Join(ErrDisconnected, l.err))
	go m.reconnect(ctx, ep)
}

func (m *Manager) reconnect(ctx context.Context, ep uint64) {
	var lastErr error
	timer := time.NewTimer(m.reconnectDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= m.reconnectAttempts; attempt++ {
		if !m.transition(ep, events.StatusReconnecting, lastErr) {
			return
		}
		if attempt > 1 {
			timer.Reset(m.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		token := m.creds.Token()
		if token == "" {
			lastErr = ErrNoCredentials
			continue
		}
		l, err := m.dial(ctx, token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				m.failConnect(ep, err)
				return
			}
			lastErr = err
			m.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		m.mx.Lock()
		if ep != m.epoch {
			m.mx.Unlock()
			l.discard()
			return
		}
		m.link = l
		m.stopReconnect = nil
		m.mx.Unlock()

		m.startLink(ep, l)
		m.transition(ep, events.StatusConnected, nil)
		m.logger.Info().Int("attempt", attempt).Msg("reconnected")
		m.replay(ep)
		return
	}

	m.mx.Lock()
	if ep == m.epoch {
		m.stopReconnect = nil
	}
	m.mx.Unlock()
	m.transition(ep, events.StatusError, errors.Join(ErrReconnectExhausted, lastErr))
	m.logger.Error().Err(lastErr).Msg("giving up reconnecting")
}

// replay rejoins every recorded room. Failures are logged and left alone.
func (m *Manager) replay(ep uint64) {
	rooms := m.rooms.List()
	g := &errgroup.Group{}
	g.SetLimit(defaultReplayConcurrency)
	for _, roomID := range rooms {
		g.Go(func() error {
			m.mx.Lock()
			stale := ep != m.epoch
			m.mx.Unlock()
			if stale {
				return nil
			}
			if _, err := m.request(context.Background(), model.FrameJoinRoom, roomID, nil); err != nil {
				m.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to rejoin room")
				return nil
			}
			m.logger.Debug().Str("roomID", roomID).Msg("room rejoined")
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) dispatch(f model.Frame) {
	switch f.Type {
	case model.FrameNewMessage:
		var msg model.Message
		if err := f.Decode(&msg); err != nil {
			m.logger.Error().Err(err).Msg("failed to decode message")
			return
		}
		if msg.RoomID == "" {
			msg.RoomID = f.Room
		}
		m.bus.Publish(events.MessageReceived{Message: msg})

	case model.FrameTypingStart, model.FrameTypingStop:
		var t model.Typing
		if err := f.Decode(&t); err != nil {
			m.logger.Error().Err(err).Msg("failed to decode typing")
			return
		}
		if t.RoomID == "" {
			t.RoomID = f.Room
		}
		t.IsTyping = f.Type == model.FrameTypingStart
		m.bus.Publish(events.TypingChanged{Typing: t})

	case model.FrameUserJoined, model.FrameUserLeft:
		var p model.Presence
		if err := f.Decode(&p); err != nil {
			m.logger.Error().Err(err).Msg("failed to decode presence")
			return
		}
		if p.RoomID == "" {
			p.RoomID = f.Room
		}
		m.bus.Publish(events.PresenceChanged{Presence: p, Joined: f.Type == model.FrameUserJoined})

	default:
		m.logger.Trace().Str("type", string(f.Type)).Msg("unhandled frame")
	}
}

func (m *Manager) dial(ctx context.Context, token string) (*link, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := m.dialer.DialContext(ctx, m.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.Join(ErrUnauthorized, err)
		}
		return nil, errors.Join(ErrDial, err)
	}
	return newLink(c, &m.logger, m.tap), nil
}
