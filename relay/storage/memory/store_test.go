package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/courtchat/model"
)

func TestMemStore_Membership(t *testing.T) {
	ms := NewMemStore(2)

	require.NoError(t, ms.CreateOrJoinRoom("r1", model.Presence{UserID: "a"}))
	require.NoError(t, ms.CreateOrJoinRoom("r1", model.Presence{UserID: "b"}))
	require.NoError(t, ms.CreateOrJoinRoom("r1", model.Presence{UserID: "a"}))
	require.ErrorIs(t, ms.CreateOrJoinRoom("r1", model.Presence{UserID: "c"}), ErrRoomIsFull)

	assert.True(t, ms.IsMember("r1", "a"))
	require.NoError(t, ms.LeaveRoom("r1", "a"))
	assert.False(t, ms.IsMember("r1", "a"))
	assert.False(t, ms.IsMember("nope", "a"))
	require.ErrorIs(t, ms.LeaveRoom("nope", "a"), ErrRoomNotFound)
}

func TestMemStore_AppendAssignsSequence(t *testing.T) {
	ms := NewMemStore(0)

	m1, created := ms.AppendMessage(model.Message{RoomID: "r1", SenderID: "a", Content: "one"})
	require.True(t, created)
	m2, _ := ms.AppendMessage(model.Message{RoomID: "r1", SenderID: "a", Content: "two"})
	other, _ := ms.AppendMessage(model.Message{RoomID: "r2", SenderID: "a", Content: "x"})

	assert.NotEmpty(t, m1.ID)
	assert.NotEqual(t, m1.ID, m2.ID)
	assert.Equal(t, int64(1), m1.Seq)
	assert.Equal(t, int64(2), m2.Seq)
	assert.Equal(t, int64(1), other.Seq)
	assert.Equal(t, model.MessageTypeText, m1.Type)
	assert.False(t, m1.Timestamp.IsZero())
}

func TestMemStore_AppendIdempotentByClientID(t *testing.T) {
	ms := NewMemStore(0)

	first, created := ms.AppendMessage(model.Message{RoomID: "r1", SenderID: "a", ClientID: "c1", Content: "hi"})
	require.True(t, created)
	again, created := ms.AppendMessage(model.Message{RoomID: "r1", SenderID: "a", ClientID: "c1", Content: "hi"})
	require.False(t, created)
	assert.Equal(t, first, again)

	// same client id from another sender is a different message
	_, created = ms.AppendMessage(model.Message{RoomID: "r1", SenderID: "b", ClientID: "c1", Content: "hi"})
	assert.True(t, created)
}

func TestMemStore_Messages(t *testing.T) {
	ms := NewMemStore(0)
	var ids []string
	for i := 0; i < 5; i++ {
		m, _ := ms.AppendMessage(model.Message{RoomID: "r1", SenderID: "a"})
		ids = append(ids, m.ID)
	}

	page, err := ms.Messages("r1", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[4], page[1].ID)

	page, err = ms.Messages("r1", ids[3], 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)

	page, err = ms.Messages("r1", ids[1], 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	_, err = ms.Messages("r1", "missing", 10)
	require.ErrorIs(t, err, ErrMessageNotFound)

	page, err = ms.Messages("empty", "", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
