// Package api talks to the chat REST endpoints of the backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/adwski/courtchat/client/credentials"
	"github.com/adwski/courtchat/model"
)

const (
	defaultTimeout      = 15 * time.Second
	maxResponseBodySize = 4 << 20

	fallbackErrorMessage = "something went wrong, please try again"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMalformedResponse = errors.New("malformed response")
	ErrRefresh           = errors.New("unable to refresh token")
)

// Error is a normalized failed response. Network failures have Status 0.
type Error struct {
	Status  int
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

type (
	Config struct {
		Logger      *zerolog.Logger
		Credentials credentials.Store
		// BaseURL is the backend root, e.g. http://localhost:8080.
		BaseURL    string
		HTTPClient *http.Client
	}

	Client struct {
		logger   zerolog.Logger
		creds    credentials.Store
		base     string
		http     *http.Client
		validate *validator.Validate
	}

	envelope struct {
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Data    json.RawMessage `json:"data"`
	}

	LoginRequest struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}

	refreshRequest struct {
		RefreshToken string `json:"refreshToken"`
	}
)

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:   cfg.Logger.With().Str("component", "api-client").Logger(),
		creds:    cfg.Credentials,
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		http:     cfg.HTTPClient,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	return c
}

// Login obtains tokens for a user and stores them.
func (c *Client) Login(ctx context.Context, req LoginRequest) (model.Tokens, error) {
	var tokens model.Tokens
	if err := c.do(ctx, http.MethodPost, "/api/auth/token", req, &tokens, false); err != nil {
		return tokens, err
	}
	if tokens.UserID == "" {
		tokens.UserID = req.UserID
	}
	if err := c.creds.Save(tokens); err != nil {
		return tokens, err
	}
	return tokens, nil
}

// Refresh exchanges the stored refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context) error {
	rt := c.creds.RefreshToken()
	if rt == "" {
		return ErrRefresh
	}
	var tokens model.Tokens
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: rt}, &tokens, false); err != nil {
		return errors.Join(ErrRefresh, err)
	}
	if tokens.UserID == "" {
		tokens.UserID = c.creds.UserID()
	}
	return c.creds.Save(tokens)
}

// History returns up to limit messages of roomID older than before, oldest first.
func (c *Client) History(ctx context.Context, roomID, before string, limit int) ([]model.Message, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/chat/rooms/" + url.PathEscape(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var msgs []model.Message
	if err := c.authorized(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateMessage posts a message without the socket.
func (c *Client) CreateMessage(ctx context.Context, roomID string, draft model.Draft) (model.Message, error) {
	var msg model.Message
	path := "/api/chat/rooms/" + url.PathEscape(roomID) + "/messages"
	err := c.authorized(ctx, http.MethodPost, path, draft, &msg)
	return msg, err
}

// authorized performs a bearer request. A 401 triggers one refresh and
// retry. Credentials are cleared only when the server rejects the refresh
// or the retried request, a refresh that fails otherwise keeps them.
func (c *Client) authorized(ctx context.Context, method, path string, body, out any) error {
	err := c.do(ctx, method, path, body, out, true)
	if !isUnauthorized(err) {
		return err
	}

	c.logger.Debug().Str("path", path).Msg("token rejected, refreshing")
	err = c.Refresh(ctx)
	switch {
	case err == nil:
		err = c.do(ctx, method, path, body, out, true)
		if !isUnauthorized(err) {
			return err
		}
	case !isUnauthorized(err) && c.creds.RefreshToken() != "":
		c.logger.Warn().Err(err).Msg("refresh failed, keeping credentials")
		return err
	}
	if clrErr := c.creds.Clear(); clrErr != nil {
		c.logger.Error().Err(clrErr).Msg("failed to clear credentials")
	}
	return errors.Join(ErrUnauthorized, err)
}

func isUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, auth bool) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.creds.Token())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return &Error{Status: resp.StatusCode, Message: err.Error()}
	}

	var env envelope
	envErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode, Message: fallbackErrorMessage}
		if envErr == nil {
			if env.Error != "" {
				apiErr.Message = env.Error
			}
			apiErr.Data = env.Data
		}
		c.logger.Debug().Int("status", resp.StatusCode).Str("path", path).Msg(apiErr.Message)
		return apiErr
	}

	if envErr != nil {
		return errors.Join(ErrMalformedResponse, envErr)
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(env.Data, out); err != nil {
		return errors.Join(ErrMalformedResponse, err)
	}
	if err = c.check(out); err != nil {
		return errors.Join(ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) check(out any) error {
	switch v := out.(type) {
	case *[]model.Message:
		for i := range *v {
			if err := c.validate.Struct(&(*v)[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		return c.validate.Struct(out)
	}
}
