package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/courtchat/model"
)

const (
	defaultFwdTimout = time.Second
)

// Switch fans frames out to every session attached to a room.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]chan<- model.Frame
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]chan<- model.Frame),
	}
}

func (sw *Switch) Connect(roomID, sessionID string, tx chan<- model.Frame) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("session", sessionID).
			Msg("endpoint connected")
	}()

	room, ok := sw.fwd[roomID]
	if !ok {
		room = make(map[string]chan<- model.Frame)
		sw.fwd[roomID] = room
	}
	room[sessionID] = tx
}

func (sw *Switch) Disconnect(roomID, sessionID string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	room, ok := sw.fwd[roomID]
	if !ok {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(sw.fwd, roomID)
	}
	sw.logger.Debug().
		Str("roomID", roomID).
		Str("session", sessionID).
		Msg("endpoint disconnected")
}

// Rooms returns rooms the session is attached to.
func (sw *Switch) Rooms(sessionID string) []string {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	var rooms []string
	for roomID, room := range sw.fwd {
		if _, ok := room[sessionID]; ok {
			rooms = append(rooms, roomID)
		}
	}
	return rooms
}

// Broadcast forwards f to every endpoint of the room except the one named
// by exclude. It reports how many endpoints received the frame.
func (sw *Switch) Broadcast(ctx context.Context, f model.Frame, exclude string) int {
	sw.mx.RLock()
	targets := make([]chan<- model.Frame, 0, len(sw.fwd[f.Room]))
	for sessionID, tx := range sw.fwd[f.Room] {
		if sessionID != exclude {
			targets = append(targets, tx)
		}
	}
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("roomID", f.Room).
		Str("type", string(f.Type)).
		Str("src", f.SRC).Logger()

	var sent int
	for _, tx := range targets {
		ok, canceled := send(ctx, f, tx, &logger)
		if canceled {
			break
		}
		if ok {
			sent++
		}
	}
	if sent == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	}
	return sent
}

func send(ctx context.Context, f model.Frame, tx chan<- model.Frame, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- f:
		logger.Trace().Msg("frame is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
