package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/courtchat/model"
)

// link is one physical websocket session. A new link is created for every
// successful dial.
type link struct {
	conn   *websocket.Conn
	tx     chan model.Frame
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	tap    func(bool, model.Frame)
	logger zerolog.Logger

	// err is the reason receiver stopped, valid after done is closed.
	err error

	pmx     *sync.Mutex
	pending map[string]chan model.Frame
}

func newLink(c *websocket.Conn, logger *zerolog.Logger, tap func(bool, model.Frame)) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		conn:    c,
		tx:      make(chan model.Frame, defaultTxQueue),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		tap:     tap,
		logger:  logger.With().Str("remote", c.RemoteAddr().String()).Logger(),
		pmx:     &sync.Mutex{},
		pending: make(map[string]chan model.Frame),
	}
}

// discard closes a link whose pumps were never started.
func (l *link) discard() {
	l.cancel()
	webSocketCloser(l.conn, &l.logger)
}

func (l *link) send(ctx context.Context, f model.Frame) error {
	select {
	case l.tx <- f:
		return nil
	case <-l.ctx.Done():
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) request(ctx context.Context, typ model.FrameType, roomID string, payload any) (model.Frame, error) {
	f, err := model.NewFrame(typ, roomID, payload)
	if err != nil {
		return f, err
	}
	f.Ack = uuid.NewString()

	reply := make(chan model.Frame, 1)
	l.pmx.Lock()
	if l.pending == nil {
		l.pmx.Unlock()
		return f, ErrDisconnected
	}
	l.pending[f.Ack] = reply
	l.pmx.Unlock()
	defer l.forget(f.Ack)

	if err = l.send(ctx, f); err != nil {
		return f, err
	}

	select {
	case <-ctx.Done():
		return f, ctx.Err()
	case r, ok := <-reply:
		if !ok {
			return r, ErrDisconnected
		}
		if r.Error != "" {
			return r, fmt.Errorf("%w: %s", ErrRejected, r.Error)
		}
		return r, nil
	}
}

func (l *link) forget(id string) {
	l.pmx.Lock()
	if l.pending != nil {
		delete(l.pending, id)
	}
	l.pmx.Unlock()
}

func (l *link) resolve(f model.Frame) {
	l.pmx.Lock()
	ch, ok := l.pending[f.Ack]
	if ok {
		delete(l.pending, f.Ack)
	}
	l.pmx.Unlock()
	if !ok {
		l.logger.Debug().Str("ack", f.Ack).Msg("ack for unknown request")
		return
	}
	ch <- f
}

// failPending fails every waiting request; later requests fail immediately.
func (l *link) failPending() {
	l.pmx.Lock()
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	l.pending = nil
	l.pmx.Unlock()
}

func (l *link) sender(wg *sync.WaitGroup) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-l.ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			err := l.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(defaultWriteDeadline))
			if err != nil {
				l.logger.Error().Err(err).Msg("failed to send ping")
				break SendLoop
			}
			l.logger.Trace().Msg("ping sent")

		case f := <-l.tx:
			b, err := json.Marshal(&f)
			if err != nil {
				l.logger.Error().Err(err).Msg("failed to marshal outgoing frame")
				continue
			}
			if err = l.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				l.logger.Error().Err(err).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if err = l.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				l.logger.Error().Err(err).Msg("failed to write outgoing frame")
				break SendLoop
			}
			if l.tap != nil {
				l.tap(false, f)
			}
		}
	}
}

func (l *link) receiver(wg *sync.WaitGroup, dispatch func(model.Frame)) {
	defer wg.Done()

	l.conn.SetReadLimit(defaultMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return l.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	l.conn.SetPongHandler(func(string) error {
		l.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		l.err = err
		return
	}

	for {
		_, b, err := l.conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() != nil {
				l.err = context.Canceled
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warn().Err(err).Msg("connection closed by server")
				l.err = err
			} else {
				l.logger.Error().Err(err).Msg("unexpected error during receive")
				l.err = err
			}
			return
		}
		// any inbound traffic proves the link is alive
		_ = readDeadLineFunc(defaultPongWait)

		var f model.Frame
		if err = json.Unmarshal(b, &f); err != nil {
			l.logger.Error().Err(err).Msg("failed to unmarshal incoming frame")
			continue
		}
		if l.tap != nil {
			l.tap(true, f)
		}
		if f.Type == model.FrameAck {
			l.resolve(f)
			continue
		}
		dispatch(f)
	}
}

func webSocketCloser(c *websocket.Conn, logger *zerolog.Logger) {
	err := c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultCloseWriteDeadline))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err = c.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
