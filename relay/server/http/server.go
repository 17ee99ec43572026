package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/courtchat/model"
	"github.com/adwski/courtchat/relay/auth"
	"github.com/adwski/courtchat/relay/service"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 1 << 20
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	ChatService interface {
		History(roomID, before string, limit int) ([]model.Message, error)
		CreateMessage(ctx context.Context, roomID, userID, userName string, draft model.Draft) (model.Message, error)
	}

	TokenIssuer interface {
		Issue(id auth.Identity) (model.Tokens, error)
		Refresh(refreshToken string) (model.Tokens, error)
		VerifyAccess(token string) (auth.Identity, error)
	}

	LoginRequest struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}

	RefreshRequest struct {
		RefreshToken string `json:"refreshToken"`
	}

	Server struct {
		logger zerolog.Logger
		svc    ChatService
		issuer TokenIssuer
		*http.Server
	}

	Config struct {
		Logger      *zerolog.Logger
		ChatService ChatService
		Issuer      TokenIssuer
		ListenAddr  string
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.ChatService,
		issuer: cfg.Issuer,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/auth/token", srv.login)
	r.HandleFunc("POST /api/auth/refresh", srv.refresh)
	r.HandleFunc("GET /api/chat/rooms/{roomID}/messages", srv.authorized(srv.history))
	r.HandleFunc("POST /api/chat/rooms/{roomID}/messages", srv.authorized(srv.createMessage))
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

func (srv *Server) authorized(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			srv.writeResponse(w, http.StatusUnauthorized, model.GenericResponse{Error: "missing bearer token"})
			return
		}
		id, err := srv.issuer.VerifyAccess(token)
		if err != nil {
			srv.writeResponse(w, http.StatusUnauthorized, model.GenericResponse{Error: err.Error()})
			return
		}
		next(w, r, id)
	}
}

func (srv *Server) login(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req LoginRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		srv.writeResponse(w, http.StatusBadRequest, model.GenericResponse{Error: "userId is required"})
		return
	}
	if req.UserName == "" {
		req.UserName = req.UserID
	}

	tokens, err := srv.issuer.Issue(auth.Identity{UserID: req.UserID, UserName: req.UserName})
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to issue tokens")
		srv.writeResponse(w, http.StatusInternalServerError, model.GenericResponse{Error: "unable to issue tokens"})
		return
	}
	srv.logger.Debug().Str("userID", req.UserID).Msg("tokens issued")
	srv.writeResponse(w, http.StatusOK, model.GenericResponse{Message: "OK", Data: tokens})
}

func (srv *Server) refresh(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req RefreshRequest
	if !srv.readJSON(w, r, &req) {
		return
	}
	tokens, err := srv.issuer.Refresh(req.RefreshToken)
	if err != nil {
		srv.writeResponse(w, http.StatusUnauthorized, model.GenericResponse{Error: err.Error()})
		return
	}
	srv.writeResponse(w, http.StatusOK, model.GenericResponse{Message: "OK", Data: tokens})
}

func (srv *Server) history(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	var (
		q     = r.URL.Query()
		limit int
		err   error
	)
	if l := q.Get("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil || limit < 0 {
			srv.writeResponse(w, http.StatusBadRequest, model.GenericResponse{Error: "invalid limit"})
			return
		}
	}

	msgs, err := srv.svc.History(r.PathValue("roomID"), q.Get("before"), limit)
	if err != nil {
		srv.writeResponse(w, http.StatusNotFound, model.GenericResponse{Error: err.Error()})
		return
	}
	srv.writeResponse(w, http.StatusOK, model.GenericResponse{Data: msgs})
}

func (srv *Server) createMessage(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var draft model.Draft
	if !srv.readJSON(w, r, &draft) {
		return
	}

	srv.logger.Trace().Any("draft", draft).Str("userID", id.UserID).Msg("got create message request")

	msg, err := srv.svc.CreateMessage(r.Context(), r.PathValue("roomID"), id.UserID, id.UserName, draft)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, service.ErrEmptyMessage) ||
			errors.Is(err, service.ErrTooLarge) ||
			errors.Is(err, service.ErrNoRoom) {
			code = http.StatusBadRequest
		}
		srv.writeResponse(w, code, model.GenericResponse{Error: err.Error()})
		return
	}
	srv.writeResponse(w, http.StatusCreated, model.GenericResponse{Message: "OK", Data: msg})
}

func (srv *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		srv.writeResponse(w, http.StatusBadRequest, model.GenericResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func (srv *Server) writeResponse(w http.ResponseWriter, code int, resp model.GenericResponse) {
	b, err := json.Marshal(&resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b, &srv.logger)
}

func writeBytes(w http.ResponseWriter, code int, b []byte, logger *zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
