package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/courtchat/client/credentials"
	"github.com/adwski/courtchat/client/events"
	"github.com/adwski/courtchat/model"
)

const testToken = "secret"

type serverConn struct {
	c   *websocket.Conn
	wmx sync.Mutex
}

func (sc *serverConn) write(f model.Frame) error {
	sc.wmx.Lock()
	defer sc.wmx.Unlock()
	return sc.c.WriteJSON(f)
}

// fakeServer acknowledges requests and records what it saw.
type fakeServer struct {
	*httptest.Server

	down       atomic.Bool
	mx         sync.Mutex
	joins      []string
	leaves     []string
	typing     []model.FrameType
	rejectJoin map[string]bool
	conns      []*serverConn
	seq        int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{rejectJoin: map[string]bool{}}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fs.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{c: c}
		fs.mx.Lock()
		fs.conns = append(fs.conns, sc)
		fs.mx.Unlock()
		go fs.serve(sc)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http") + "/ws"
}

func (fs *fakeServer) serve(sc *serverConn) {
	defer sc.c.Close()
	for {
		var f model.Frame
		if err := sc.c.ReadJSON(&f); err != nil {
			return
		}
		reply := model.Frame{Type: model.FrameAck, Ack: f.Ack, Room: f.Room}

		fs.mx.Lock()
		switch f.Type {
		case model.FrameJoinRoom:
			fs.joins = append(fs.joins, f.Room)
			if fs.rejectJoin[f.Room] {
				reply.Error = "forbidden"
			}
		case model.FrameLeaveRoom:
			fs.leaves = append(fs.leaves, f.Room)
			reply.Error = "not a member"
		case model.FrameSendMessage:
			var d model.Draft
			_ = f.Decode(&d)
			fs.seq++
			reply, _ = model.NewFrame(model.FrameAck, f.Room, model.Message{
				ID:        "srv-1",
				ClientID:  d.ClientID,
				RoomID:    f.Room,
				SenderID:  "me",
				Content:   d.Content,
				Seq:       int64(fs.seq),
				Timestamp: time.Now(),
			})
			reply.Ack = f.Ack
		case model.FrameTypingStart, model.FrameTypingStop:
			fs.typing = append(fs.typing, f.Type)
			fs.mx.Unlock()
			continue
		}
		fs.mx.Unlock()

		if err := sc.write(reply); err != nil {
			return
		}
	}
}

func (fs *fakeServer) dropAll() {
	fs.mx.Lock()
	defer fs.mx.Unlock()
	for _, sc := range fs.conns {
		_ = sc.c.Close()
	}
	fs.conns = nil
}

func (fs *fakeServer) push(f model.Frame) {
	fs.mx.Lock()
	conns := append([]*serverConn(nil), fs.conns...)
	fs.mx.Unlock()
	for _, sc := range conns {
		_ = sc.write(f)
	}
}

func (fs *fakeServer) joined() []string {
	fs.mx.Lock()
	defer fs.mx.Unlock()
	return append([]string(nil), fs.joins...)
}

type statusLog struct {
	mx  sync.Mutex
	all []events.Status
}

func (sl *statusLog) observer() events.Observer {
	return events.Funcs{Status: func(e events.StatusChanged) {
		sl.mx.Lock()
		sl.all = append(sl.all, e.New)
		sl.mx.Unlock()
	}}
}

func (sl *statusLog) get() []events.Status {
	sl.mx.Lock()
	defer sl.mx.Unlock()
	return append([]events.Status(nil), sl.all...)
}

func newTestManager(t *testing.T, url, token string, attempts int) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	m := NewManager(Config{
		Logger:            &logger,
		Credentials:       credentials.NewMemStore(model.Tokens{AccessToken: token}),
		URL:               url,
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectAttempts: attempts,
		RequestTimeout:    time.Second,
	})
	t.Cleanup(m.Disconnect)
	return m
}

func TestConnect_NoCredentials(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), "", 1)

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, events.StatusDisconnected, m.Status())
}

func TestConnect_Unauthorized(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), "wrong", 1)

	var unauthorized atomic.Bool
	m.Subscribe(events.Funcs{Unauthorized: func(events.Unauthorized) { unauthorized.Store(true) }})

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, unauthorized.Load())
	assert.Equal(t, events.StatusError, m.Status())
}

func TestConnect_StatusSequence(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), testToken, 1)
	sl := &statusLog{}
	m.Subscribe(sl.observer())

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())
	assert.Equal(t, []events.Status{events.StatusConnecting, events.StatusConnected}, sl.get())

	// second connect is a no-op
	require.NoError(t, m.Connect(context.Background()))
	assert.Len(t, sl.get(), 2)
}

func TestJoinRoom_RecordsOnlyOnSuccess(t *testing.T) {
	fs := newFakeServer(t)
	fs.rejectJoin["private"] = true
	m := newTestManager(t, fs.url(), testToken, 1)
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.JoinRoom(context.Background(), "r1"))
	err := m.JoinRoom(context.Background(), "private")
	require.ErrorIs(t, err, ErrRejected)

	assert.Equal(t, []string{"r1"}, m.Rooms())
}

func TestLeaveRoom_ForgetsRegardless(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), testToken, 1)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.JoinRoom(context.Background(), "r1"))

	err := m.LeaveRoom(context.Background(), "r1")
	require.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, m.Rooms())
}

func TestReconnect_ReplaysJoinedRooms(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), testToken, 5)
	sl := &statusLog{}
	m.Subscribe(sl.observer())

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.JoinRoom(context.Background(), "r1"))
	require.NoError(t, m.JoinRoom(context.Background(), "r2"))
	before := m.Rooms()

	fs.dropAll()

	require.Eventually(t, func() bool {
		return len(fs.joined()) == 4 && m.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []string{"r1", "r2", "r1", "r2"}, fs.joined())
	assert.Equal(t, before, m.Rooms())
	assert.Subset(t, sl.get(), []events.Status{events.StatusDisconnected, events.StatusReconnecting})
}

func TestReconnect_ExhaustedBecomesError(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), testToken, 2)

	var lastErr atomic.Value
	m.Subscribe(events.Funcs{Status: func(e events.StatusChanged) {
		if e.New == events.StatusError && e.Err != nil {
			lastErr.Store(e.Err)
		}
	}})

	require.NoError(t, m.Connect(context.Background()))
	fs.down.Store(true)
	fs.dropAll()

	require.Eventually(t, func() bool {
		return lastErr.Load() != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, events.StatusError, m.Status())
	err, _ := lastErr.Load().(error)
	require.ErrorIs(t, err, ErrReconnectExhausted)

	// no further retries until Connect is called again
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, events.StatusError, m.Status())

	fs.down.Store(false)
	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())
}

func TestConnect_CancelsUnfinishedReconnectLink(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), testToken, 1)

	// reconnect has stored its link but not reported connected yet
	old, err := m.dial(context.Background(), testToken)
	require.NoError(t, err)
	m.mx.Lock()
	m.epoch++
	ep := m.epoch
	m.link = old
	m.status = events.StatusReconnecting
	m.mx.Unlock()
	m.startLink(ep, old)

	require.NoError(t, m.Connect(context.Background()))
	select {
	case <-old.done:
	case <-time.After(time.Second):
		t.Fatal("old link is still running")
	}
	assert.True(t, m.IsConnected())

	m.mx.Lock()
	current := m.link
	m.mx.Unlock()
	assert.NotSame(t, old, current)
}

func TestSendMessage(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), testToken, 1)

	_, err := m.SendMessage(context.Background(), "r1", model.Draft{Content: "hi"})
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	msg, err := m.SendMessage(context.Background(), "r1", model.Draft{Content: "hi", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)
	assert.Equal(t, "c1", msg.ClientID)
	assert.Equal(t, "hi", msg.Content)

	_, err = m.SendMessage(context.Background(), "r1", model.Draft{Content: strings.Repeat("x", model.MaxContentSize+1)})
	require.ErrorIs(t, err, ErrMessageTooLarge)
	assert.True(t, m.IsConnected())
}

func TestSendTyping(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), testToken, 1)
	require.ErrorIs(t, m.SendTyping("r1", true), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.StartTyping("r1"))
	require.NoError(t, m.StopTyping("r1"))

	var seen []model.FrameType
	require.Eventually(t, func() bool {
		fs.mx.Lock()
		defer fs.mx.Unlock()
		seen = append(seen[:0], fs.typing...)
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []model.FrameType{model.FrameTypingStart, model.FrameTypingStop}, seen)
}

func TestDispatch_InboundEvents(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), testToken, 1)

	var (
		mx       sync.Mutex
		messages []model.Message
		typing   []model.Typing
		presence []events.PresenceChanged
	)
	m.Subscribe(events.Funcs{
		Message: func(e events.MessageReceived) {
			mx.Lock()
			messages = append(messages, e.Message)
			mx.Unlock()
		},
		Typing: func(e events.TypingChanged) {
			mx.Lock()
			typing = append(typing, e.Typing)
			mx.Unlock()
		},
		Presence: func(e events.PresenceChanged) {
			mx.Lock()
			presence = append(presence, e)
			mx.Unlock()
		},
	})
	require.NoError(t, m.Connect(context.Background()))

	f, _ := model.NewFrame(model.FrameNewMessage, "r1", model.Message{ID: "a", SenderID: "u2"})
	fs.push(f)
	f, _ = model.NewFrame(model.FrameTypingStart, "r1", model.Typing{UserID: "u2"})
	fs.push(f)
	f, _ = model.NewFrame(model.FrameUserLeft, "r1", model.Presence{UserID: "u2"})
	fs.push(f)

	require.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		return len(messages) == 1 && len(typing) == 1 && len(presence) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "r1", messages[0].RoomID)
	assert.True(t, typing[0].IsTyping)
	assert.Equal(t, "r1", typing[0].RoomID)
	assert.False(t, presence[0].Joined)
}

func TestDisconnect_ClearsState(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs.url(), testToken, 5)
	sl := &statusLog{}
	m.Subscribe(sl.observer())

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.JoinRoom(context.Background(), "r1"))

	m.Disconnect()
	assert.Equal(t, events.StatusDisconnected, m.Status())
	assert.Empty(t, m.Rooms())
	assert.Equal(t, 0, m.bus.Len())

	// no reconnect after explicit disconnect
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, events.StatusDisconnected, m.Status())
	assert.Equal(t, []string{"r1"}, fs.joined())
}
