package service

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/courtchat/model"
	store "github.com/adwski/courtchat/relay/storage/memory"
	sw "github.com/adwski/courtchat/relay/switch"
)

func newTestService(maxParticipants int) *Service {
	logger := zerolog.Nop()
	return NewService(Config{
		MessageStore: store.NewMemStore(maxParticipants),
		Switch:       sw.NewSwitch(&logger),
		Logger:       &logger,
	})
}

func newSession(id, user string) (*Session, chan model.Frame) {
	tx := make(chan model.Frame, 16)
	return &Session{ID: id, UserID: user, UserName: user + "-name", TX: tx}, tx
}

func request(t *testing.T, typ model.FrameType, room string, payload any) model.Frame {
	t.Helper()
	f, err := model.NewFrame(typ, room, payload)
	require.NoError(t, err)
	f.Ack = "ack-" + string(typ)
	return f
}

func drain(ch chan model.Frame) []model.Frame {
	var out []model.Frame
	for {
		select {
		case f := <-ch:
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestHandle_JoinAnnouncesToOthers(t *testing.T) {
	svc := newTestService(0)
	ctx := context.Background()
	a, aTX := newSession("s1", "alice")
	b, bTX := newSession("s2", "bob")

	ack := svc.Handle(ctx, a, request(t, model.FrameJoinRoom, "r1", nil))
	require.NotNil(t, ack)
	assert.Equal(t, model.FrameAck, ack.Type)
	assert.Equal(t, "ack-join_room", ack.Ack)
	assert.Empty(t, ack.Error)

	ack = svc.Handle(ctx, b, request(t, model.FrameJoinRoom, "r1", nil))
	require.Empty(t, ack.Error)

	got := drain(aTX)
	require.Len(t, got, 1)
	assert.Equal(t, model.FrameUserJoined, got[0].Type)
	var p model.Presence
	require.NoError(t, got[0].Decode(&p))
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, "r1", p.RoomID)
	assert.Empty(t, drain(bTX))
}

func TestHandle_JoinRoomFull(t *testing.T) {
	svc := newTestService(1)
	a, _ := newSession("s1", "alice")
	b, _ := newSession("s2", "bob")

	require.Empty(t, svc.Handle(context.Background(), a, request(t, model.FrameJoinRoom, "r1", nil)).Error)
	ack := svc.Handle(context.Background(), b, request(t, model.FrameJoinRoom, "r1", nil))
	assert.Contains(t, ack.Error, "room is full")
}

func TestHandle_LeaveRequiresMembership(t *testing.T) {
	svc := newTestService(0)
	ctx := context.Background()
	a, aTX := newSession("s1", "alice")
	b, _ := newSession("s2", "bob")

	ack := svc.Handle(ctx, a, request(t, model.FrameLeaveRoom, "r1", nil))
	assert.Equal(t, ErrNotAMember.Error(), ack.Error)

	svc.Handle(ctx, a, request(t, model.FrameJoinRoom, "r1", nil))
	svc.Handle(ctx, b, request(t, model.FrameJoinRoom, "r1", nil))
	drain(aTX)

	ack = svc.Handle(ctx, b, request(t, model.FrameLeaveRoom, "r1", nil))
	assert.Empty(t, ack.Error)
	got := drain(aTX)
	require.Len(t, got, 1)
	assert.Equal(t, model.FrameUserLeft, got[0].Type)
}

func TestHandle_SendMessageEchoesToSender(t *testing.T) {
	svc := newTestService(0)
	ctx := context.Background()
	a, aTX := newSession("s1", "alice")
	b, bTX := newSession("s2", "bob")
	svc.Handle(ctx, a, request(t, model.FrameJoinRoom, "r1", nil))
	svc.Handle(ctx, b, request(t, model.FrameJoinRoom, "r1", nil))
	drain(aTX)

	ack := svc.Handle(ctx, a, request(t, model.FrameSendMessage, "r1", model.Draft{Content: "hi", ClientID: "c1"}))
	require.Empty(t, ack.Error)
	var acked model.Message
	require.NoError(t, ack.Decode(&acked))
	assert.NotEmpty(t, acked.ID)
	assert.Equal(t, "c1", acked.ClientID)
	assert.Equal(t, "alice", acked.SenderID)
	assert.Equal(t, "alice-name", acked.SenderName)

	for _, ch := range []chan model.Frame{aTX, bTX} {
		got := drain(ch)
		require.Len(t, got, 1)
		assert.Equal(t, model.FrameNewMessage, got[0].Type)
		var msg model.Message
		require.NoError(t, got[0].Decode(&msg))
		assert.Equal(t, acked.ID, msg.ID)
	}

	// resubmit with the same client id is acked but not re-broadcast
	again := svc.Handle(ctx, a, request(t, model.FrameSendMessage, "r1", model.Draft{Content: "hi", ClientID: "c1"}))
	require.Empty(t, again.Error)
	assert.Empty(t, drain(bTX))
}

func TestHandle_SendMessageRejected(t *testing.T) {
	svc := newTestService(0)
	ctx := context.Background()
	a, _ := newSession("s1", "alice")

	ack := svc.Handle(ctx, a, request(t, model.FrameSendMessage, "r1", model.Draft{Content: "hi"}))
	assert.Equal(t, ErrNotAMember.Error(), ack.Error)
	assert.Empty(t, ack.Payload)

	svc.Handle(ctx, a, request(t, model.FrameJoinRoom, "r1", nil))
	ack = svc.Handle(ctx, a, request(t, model.FrameSendMessage, "r1", model.Draft{Content: "  "}))
	assert.Equal(t, ErrEmptyMessage.Error(), ack.Error)

	ack = svc.Handle(ctx, a, request(t, model.FrameSendMessage, "r1", model.Draft{Content: strings.Repeat("x", model.MaxContentSize+1)}))
	assert.Equal(t, ErrTooLarge.Error(), ack.Error)
}

func TestHandle_TypingExcludesSender(t *testing.T) {
	svc := newTestService(0)
	ctx := context.Background()
	a, aTX := newSession("s1", "alice")
	b, bTX := newSession("s2", "bob")
	svc.Handle(ctx, a, request(t, model.FrameJoinRoom, "r1", nil))
	svc.Handle(ctx, b, request(t, model.FrameJoinRoom, "r1", nil))
	drain(aTX)

	f, err := model.NewFrame(model.FrameTypingStart, "r1", model.Typing{RoomID: "r1", UserID: "spoofed", IsTyping: true})
	require.NoError(t, err)
	assert.Nil(t, svc.Handle(ctx, a, f))

	assert.Empty(t, drain(aTX))
	got := drain(bTX)
	require.Len(t, got, 1)
	var typing model.Typing
	require.NoError(t, got[0].Decode(&typing))
	assert.Equal(t, "alice", typing.UserID)
	assert.True(t, typing.IsTyping)
}

func TestHandle_Unsupported(t *testing.T) {
	svc := newTestService(0)
	a, _ := newSession("s1", "alice")

	ack := svc.Handle(context.Background(), a, model.Frame{Type: "bogus", Ack: "x"})
	require.NotNil(t, ack)
	assert.Equal(t, ErrUnsupported.Error(), ack.Error)
	assert.Nil(t, svc.Handle(context.Background(), a, model.Frame{Type: "bogus"}))
}

func TestCloseSession_LeavesAllRooms(t *testing.T) {
	svc := newTestService(0)
	ctx := context.Background()
	a, _ := newSession("s1", "alice")
	b, bTX := newSession("s2", "bob")
	svc.Handle(ctx, a, request(t, model.FrameJoinRoom, "r1", nil))
	svc.Handle(ctx, a, request(t, model.FrameJoinRoom, "r2", nil))
	svc.Handle(ctx, b, request(t, model.FrameJoinRoom, "r1", nil))

	svc.CloseSession(ctx, a)
	got := drain(bTX)
	require.Len(t, got, 1)
	assert.Equal(t, model.FrameUserLeft, got[0].Type)
	assert.Empty(t, svc.sw.Rooms("s1"))
}

func TestCreateMessageAndHistory(t *testing.T) {
	svc := newTestService(0)
	ctx := context.Background()
	b, bTX := newSession("s2", "bob")
	svc.Handle(ctx, b, request(t, model.FrameJoinRoom, "r1", nil))

	msg, err := svc.CreateMessage(ctx, "r1", "alice", "Alice", model.Draft{Content: "via rest"})
	require.NoError(t, err)
	got := drain(bTX)
	require.Len(t, got, 1)

	history, err := svc.History("r1", "", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)

	_, err = svc.History("r1", "missing", 10)
	require.ErrorIs(t, err, ErrHistory)

	_, err = svc.CreateMessage(ctx, "", "alice", "", model.Draft{Content: "x"})
	require.ErrorIs(t, err, ErrNoRoom)
}
