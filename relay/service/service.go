package service

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/adwski/courtchat/model"
)

var (
	ErrJoin         = errors.New("unable to join room")
	ErrNotAMember   = errors.New("not a member")
	ErrNoRoom       = errors.New("room is not specified")
	ErrEmptyMessage = errors.New("message content is empty")
	ErrTooLarge     = errors.New("message content is too large")
	ErrBadPayload   = errors.New("malformed payload")
	ErrUnsupported  = errors.New("unsupported frame type")
	ErrHistory      = errors.New("unable to get history")
)

type (
	MessageStore interface {
		CreateOrJoinRoom(roomID string, p model.Presence) error
		LeaveRoom(roomID, userID string) error
		AppendMessage(msg model.Message) (model.Message, bool)
		Messages(roomID, before string, limit int) ([]model.Message, error)
	}

	Switch interface {
		Connect(roomID, sessionID string, tx chan<- model.Frame)
		Disconnect(roomID, sessionID string)
		Rooms(sessionID string) []string
		Broadcast(ctx context.Context, f model.Frame, exclude string) int
	}

	// Session is a single authenticated websocket connection.
	Session struct {
		ID       string
		UserID   string
		UserName string
		TX       chan<- model.Frame
	}

	Service struct {
		store  MessageStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		MessageStore MessageStore
		Switch       Switch
		Logger       *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.MessageStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// Handle processes one inbound frame of a session. For frames that expect
// an acknowledgement it returns the ack frame, otherwise nil.
func (svc *Service) Handle(ctx context.Context, sess *Session, f model.Frame) *model.Frame {
	f.SRC = sess.UserID
	logger := svc.logger.With().
		Str("session", sess.ID).
		Str("userID", sess.UserID).
		Str("type", string(f.Type)).
		Str("roomID", f.Room).Logger()

	var (
		payload any
		err     error
	)
	switch f.Type {
	case model.FrameJoinRoom:
		err = svc.join(ctx, sess, f.Room)
	case model.FrameLeaveRoom:
		err = svc.leave(ctx, sess, f.Room)
	case model.FrameSendMessage:
		payload, err = svc.send(ctx, sess, f)
	case model.FrameTypingStart, model.FrameTypingStop:
		svc.typing(ctx, sess, f)
		return nil
	default:
		err = ErrUnsupported
	}

	if f.Ack == "" {
		if err != nil {
			logger.Debug().Err(err).Msg("frame without ack id failed")
		}
		return nil
	}
	ack, errF := model.NewFrame(model.FrameAck, f.Room, payload)
	if errF != nil {
		logger.Error().Err(errF).Msg("failed to encode ack")
		ack = model.Frame{Type: model.FrameAck, Room: f.Room}
		err = errF
	}
	ack.Ack = f.Ack
	if err != nil {
		logger.Debug().Err(err).Msg("request rejected")
		ack.Error = err.Error()
		ack.Payload = nil
	}
	return &ack
}

func (svc *Service) join(ctx context.Context, sess *Session, roomID string) error {
	if roomID == "" {
		return ErrNoRoom
	}
	p := model.Presence{RoomID: roomID, UserID: sess.UserID, UserName: sess.UserName}
	if err := svc.store.CreateOrJoinRoom(roomID, p); err != nil {
		return errors.Join(ErrJoin, err)
	}
	svc.sw.Connect(roomID, sess.ID, sess.TX)
	svc.announce(ctx, model.FrameUserJoined, sess, roomID)
	svc.logger.Debug().
		Str("userID", sess.UserID).
		Str("roomID", roomID).
		Msg("user joined room")
	return nil
}

func (svc *Service) leave(ctx context.Context, sess *Session, roomID string) error {
	if !slices.Contains(svc.sw.Rooms(sess.ID), roomID) {
		return ErrNotAMember
	}
	svc.detach(ctx, sess, roomID)
	return nil
}

func (svc *Service) detach(ctx context.Context, sess *Session, roomID string) {
	svc.sw.Disconnect(roomID, sess.ID)
	if err := svc.store.LeaveRoom(roomID, sess.UserID); err != nil {
		svc.logger.Debug().Err(err).Str("roomID", roomID).Msg("leave room")
	}
	svc.announce(ctx, model.FrameUserLeft, sess, roomID)
}

func (svc *Service) announce(ctx context.Context, typ model.FrameType, sess *Session, roomID string) {
	f, err := model.NewFrame(typ, roomID, model.Presence{RoomID: roomID, UserID: sess.UserID, UserName: sess.UserName})
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to encode presence")
		return
	}
	f.SRC = sess.UserID
	svc.sw.Broadcast(ctx, f, sess.ID)
}

func (svc *Service) send(ctx context.Context, sess *Session, f model.Frame) (model.Message, error) {
	if !slices.Contains(svc.sw.Rooms(sess.ID), f.Room) {
		return model.Message{}, ErrNotAMember
	}
	var draft model.Draft
	if err := f.Decode(&draft); err != nil {
		return model.Message{}, errors.Join(ErrBadPayload, err)
	}
	return svc.publish(ctx, f.Room, sess.UserID, sess.UserName, draft)
}

// publish stores draft and pushes it to everyone in the room, sender included.
func (svc *Service) publish(ctx context.Context, roomID, userID, userName string, draft model.Draft) (model.Message, error) {
	if strings.TrimSpace(draft.Content) == "" {
		return model.Message{}, ErrEmptyMessage
	}
	if len(draft.Content) > model.MaxContentSize {
		return model.Message{}, ErrTooLarge
	}
	msg, created := svc.store.AppendMessage(model.Message{
		ClientID:   draft.ClientID,
		RoomID:     roomID,
		SenderID:   userID,
		SenderName: userName,
		Content:    draft.Content,
		Type:       draft.Type,
	})
	if !created {
		return msg, nil
	}
	f, err := model.NewFrame(model.FrameNewMessage, roomID, msg)
	if err != nil {
		return msg, err
	}
	f.SRC = userID
	svc.sw.Broadcast(ctx, f, "")
	return msg, nil
}

func (svc *Service) typing(ctx context.Context, sess *Session, f model.Frame) {
	if !slices.Contains(svc.sw.Rooms(sess.ID), f.Room) {
		return
	}
	out, err := model.NewFrame(f.Type, f.Room, model.Typing{
		RoomID:   f.Room,
		UserID:   sess.UserID,
		UserName: sess.UserName,
		IsTyping: f.Type == model.FrameTypingStart,
	})
	if err != nil {
		return
	}
	out.SRC = sess.UserID
	svc.sw.Broadcast(ctx, out, sess.ID)
}

// CloseSession detaches the session from all rooms it joined.
func (svc *Service) CloseSession(ctx context.Context, sess *Session) {
	for _, roomID := range svc.sw.Rooms(sess.ID) {
		svc.detach(ctx, sess, roomID)
	}
	svc.logger.Debug().
		Str("session", sess.ID).
		Str("userID", sess.UserID).
		Msg("session closed")
}

func (svc *Service) History(roomID, before string, limit int) ([]model.Message, error) {
	msgs, err := svc.store.Messages(roomID, before, limit)
	if err != nil {
		return nil, errors.Join(ErrHistory, err)
	}
	return msgs, nil
}

// CreateMessage is the REST path for sending a message.
func (svc *Service) CreateMessage(ctx context.Context, roomID, userID, userName string, draft model.Draft) (model.Message, error) {
	if roomID == "" {
		return model.Message{}, ErrNoRoom
	}
	return svc.publish(ctx, roomID, userID, userName, draft)
}
