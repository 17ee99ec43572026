package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adwski/courtchat/model"
	"github.com/adwski/courtchat/relay/auth"
	"github.com/adwski/courtchat/relay/service"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultTxQueue    = 64
	defaultFrameRate  = 20
	defaultFrameBurst = 40
)

var (
	ErrUnexpected  = errors.New("unexpected server error")
	ErrRateLimited = errors.New("rate limit exceeded")
)

type (
	ChatService interface {
		Handle(ctx context.Context, sess *service.Session, f model.Frame) *model.Frame
		CloseSession(ctx context.Context, sess *service.Session)
	}

	TokenVerifier interface {
		VerifyAccess(token string) (auth.Identity, error)
	}

	Config struct {
		Logger      *zerolog.Logger
		ChatService ChatService
		Verifier    TokenVerifier
		ListenAddr  string

		// FrameRate limits inbound frames per second on every connection.
		FrameRate  float64
		FrameBurst int
	}

	Server struct {
		svc      ChatService
		verifier TokenVerifier
		ws       *websocket.Upgrader
		*http.Server

		frameRate  rate.Limit
		frameBurst int

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:     cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:        cfg.ChatService,
		verifier:   cfg.Verifier,
		frameRate:  rate.Limit(cfg.FrameRate),
		frameBurst: cfg.FrameBurst,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.frameRate <= 0 {
		srv.frameRate = defaultFrameRate
	}
	if srv.frameBurst <= 0 {
		srv.frameBurst = defaultFrameBurst
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.connect)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) connect(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id, err := srv.verifier.VerifyAccess(token)
	if err != nil {
		srv.logger.Debug().Err(err).Msg("handshake rejected")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	tx := make(chan model.Frame, defaultTxQueue)
	sess := &service.Session{
		ID:       uuid.NewString(),
		UserID:   id.UserID,
		UserName: id.UserName,
		TX:       tx,
	}

	ctx, cancel := context.WithCancel(context.Background()) // long-living session context

	srv.logger.Debug().
		Str("session", sess.ID).
		Str("userID", sess.UserID).
		Msg("session created")

	go srv.handleWSConn(ctx, cancel, conn, sess, tx)
}

func (srv *Server) destroySession(sess *service.Session, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSessionCloseTimeout)
	defer cancel()
	srv.svc.CloseSession(ctx, sess)
	logger.Debug().Msg("session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	sess *service.Session,
	tx chan model.Frame,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("session", sess.ID).
		Str("userID", sess.UserID).
		Logger()

	limiter := rate.NewLimiter(srv.frameRate, srv.frameBurst)
	handle := func(f model.Frame) {
		if !limiter.Allow() {
			logger.Warn().Str("type", string(f.Type)).Msg("frame dropped by rate limiter")
			if f.Ack != "" {
				reply(ctx, tx, &model.Frame{Type: model.FrameAck, Ack: f.Ack, Room: f.Room, Error: ErrRateLimited.Error()})
			}
			return
		}
		if ack := srv.svc.Handle(ctx, sess, f); ack != nil {
			reply(ctx, tx, ack)
		}
	}

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, handle, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, tx, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(sess, &logger)
}

func reply(ctx context.Context, tx chan<- model.Frame, f *model.Frame) {
	select {
	case tx <- *f:
	case <-ctx.Done():
	}
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Frame,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case f := <-tx:
			b, wsErr := json.Marshal(&f)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing frame")
				continue
			}
			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	handle func(model.Frame),
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			if err := readDeadLineFunc(defaultPongWait); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket read deadline")
				break RecvLoop
			}

			var f model.Frame
			if wsErr = json.Unmarshal(msg, &f); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming frame")
				continue
			}
			handle(f)
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
