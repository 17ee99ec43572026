package model

import (
	"encoding/json"
	"time"
)

type FrameType string

// Request frames sent by clients. Those marked with ack expect exactly one
// FrameAck reply carrying the same Ack id.
const (
	FrameJoinRoom    FrameType = "join_room"    // ack
	FrameLeaveRoom   FrameType = "leave_room"   // ack
	FrameSendMessage FrameType = "send_message" // ack
	FrameTypingStart FrameType = "typing_start"
	FrameTypingStop  FrameType = "typing_stop"
)

// Frames pushed by server.
const (
	FrameNewMessage FrameType = "new_message"
	FrameUserJoined FrameType = "user_joined"
	FrameUserLeft   FrameType = "user_left"
	FrameAck        FrameType = "ack"
)

// Frame is a single websocket text message in either direction.
type Frame struct {
	Type    FrameType       `json:"type"`
	Ack     string          `json:"ack,omitempty"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`

	// SRC is set by server from the websocket session, never trusted from the wire.
	SRC string `json:"-"`
}

// NewFrame marshals payload into frame. Nil payload leaves Payload empty.
func NewFrame(typ FrameType, room string, payload any) (Frame, error) {
	f := Frame{Type: typ, Room: room}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return f, err
	}
	f.Payload = b
	return f, nil
}

// Decode unmarshals frame payload into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Payload, v)
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

type Message struct {
	ID         string      `json:"id" validate:"required"`
	ClientID   string      `json:"clientId,omitempty"`
	RoomID     string      `json:"roomId" validate:"required"`
	SenderID   string      `json:"senderId" validate:"required"`
	SenderName string      `json:"senderName,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type,omitempty" validate:"omitempty,oneof=text image file system"`
	Seq        int64       `json:"seq"`
	Timestamp  time.Time   `json:"timestamp" validate:"required"`
	Delivered  bool        `json:"delivered,omitempty"`
	Read       bool        `json:"read,omitempty"`

	// Pending marks a local optimistic entry not yet acknowledged by server.
	Pending bool `json:"-"`
}

// MaxContentSize is the largest message content in bytes. Escaped as JSON it
// still fits the 64 KiB websocket frame limit of both sides.
const MaxContentSize = 8 << 10

// Draft is what a client submits to create a message.
type Draft struct {
	Content  string      `json:"content"`
	ClientID string      `json:"clientId,omitempty"`
	Type     MessageType `json:"type,omitempty"`
}

type Typing struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type Presence struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type Tokens struct {
	AccessToken  string `json:"accessToken" validate:"required"`
	RefreshToken string `json:"refreshToken" validate:"required"`
	// UserID is the identity the tokens were issued for.
	UserID string `json:"userId,omitempty"`
}

// GenericResponse is the REST envelope used by every endpoint.
type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}
