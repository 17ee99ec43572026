package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adwski/courtchat/model"
)

const (
	defaultMaxParticipants = 100
	defaultHistoryLimit    = 50
	maxHistoryLimit        = 200
)

var (
	ErrRoomIsFull      = errors.New("room is full")
	ErrRoomNotFound    = errors.New("room is not found")
	ErrMessageNotFound = errors.New("message is not found")
)

type Room struct {
	ID           string
	Participants map[string]model.Presence
	messages     []model.Message
	seq          int64
	// byClientID makes resubmits with the same client id idempotent
	byClientID map[string]int
}

type MemStore struct {
	mx              *sync.Mutex
	db              map[string]*Room
	maxParticipants int
	now             func() time.Time
}

func NewMemStore(maxParticipants int) *MemStore {
	if maxParticipants <= 0 {
		maxParticipants = defaultMaxParticipants
	}
	return &MemStore{
		mx:              &sync.Mutex{},
		db:              make(map[string]*Room),
		maxParticipants: maxParticipants,
		now:             time.Now,
	}
}

func (ms *MemStore) room(roomID string) *Room {
	room, ok := ms.db[roomID]
	if !ok {
		room = &Room{
			ID:           roomID,
			Participants: make(map[string]model.Presence),
			byClientID:   make(map[string]int),
		}
		ms.db[roomID] = room
	}
	return room
}

func (ms *MemStore) CreateOrJoinRoom(roomID string, p model.Presence) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room := ms.room(roomID)
	if _, ok := room.Participants[p.UserID]; !ok && len(room.Participants) >= ms.maxParticipants {
		return ErrRoomIsFull
	}
	p.RoomID = roomID
	room.Participants[p.UserID] = p
	return nil
}

func (ms *MemStore) LeaveRoom(roomID, userID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	delete(room.Participants, userID)
	return nil
}

func (ms *MemStore) IsMember(roomID, userID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return false
	}
	_, ok = room.Participants[userID]
	return ok
}

// AppendMessage stores msg assigning id, sequence number and timestamp.
// A message with a client id already seen from the same sender returns the
// stored copy and false.
func (ms *MemStore) AppendMessage(msg model.Message) (model.Message, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room := ms.room(msg.RoomID)
	key := msg.SenderID + "/" + msg.ClientID
	if msg.ClientID != "" {
		if idx, ok := room.byClientID[key]; ok {
			return room.messages[idx], false
		}
	}

	room.seq++
	msg.ID = uuid.NewString()
	msg.Seq = room.seq
	msg.Timestamp = ms.now().UTC()
	msg.Delivered = true
	msg.Pending = false
	if msg.Type == "" {
		msg.Type = model.MessageTypeText
	}
	room.messages = append(room.messages, msg)
	if msg.ClientID != "" {
		room.byClientID[key] = len(room.messages) - 1
	}
	return msg, true
}

// Messages returns up to limit messages preceding before (or the latest
// ones), oldest first.
func (ms *MemStore) Messages(roomID, before string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return []model.Message{}, nil
	}
	end := len(room.messages)
	if before != "" {
		end = -1
		for i, m := range room.messages {
			if m.ID == before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, ErrMessageNotFound
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]model.Message, end-start)
	copy(out, room.messages[start:end])
	return out, nil
}
