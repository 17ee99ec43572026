package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/courtchat/client/api"
	"github.com/adwski/courtchat/client/credentials"
	"github.com/adwski/courtchat/model"
	"github.com/adwski/courtchat/relay/auth"
	"github.com/adwski/courtchat/relay/service"
	store "github.com/adwski/courtchat/relay/storage/memory"
	sw "github.com/adwski/courtchat/relay/switch"
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.Issuer) {
	t.Helper()
	logger := zerolog.Nop()
	issuer, err := auth.NewIssuer(auth.Config{Secret: "test"})
	require.NoError(t, err)
	svc := service.NewService(service.Config{
		MessageStore: store.NewMemStore(0),
		Switch:       sw.NewSwitch(&logger),
		Logger:       &logger,
	})
	srv := NewServer(Config{Logger: &logger, ChatService: svc, Issuer: issuer})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, issuer
}

func TestServer_LoginCreateAndHistory(t *testing.T) {
	ts, _ := newTestServer(t)
	logger := zerolog.Nop()
	creds := credentials.NewMemStore(model.Tokens{})
	client := api.NewClient(api.Config{Logger: &logger, Credentials: creds, BaseURL: ts.URL})
	ctx := context.Background()

	_, err := client.Login(ctx, api.LoginRequest{UserID: "alice", UserName: "Alice"})
	require.NoError(t, err)
	require.NotEmpty(t, creds.Token())

	first, err := client.CreateMessage(ctx, "r1", model.Draft{Content: "one", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", first.SenderID)
	assert.Equal(t, "Alice", first.SenderName)
	second, err := client.CreateMessage(ctx, "r1", model.Draft{Content: "two"})
	require.NoError(t, err)

	msgs, err := client.History(ctx, "r1", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)

	older, err := client.History(ctx, "r1", second.ID, 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, first.ID, older[0].ID)
}

func TestServer_RefreshOnExpiredAccess(t *testing.T) {
	ts, issuer := newTestServer(t)
	tokens, err := issuer.Issue(auth.Identity{UserID: "alice"})
	require.NoError(t, err)

	logger := zerolog.Nop()
	creds := credentials.NewMemStore(model.Tokens{AccessToken: "not-a-jwt", RefreshToken: tokens.RefreshToken})
	client := api.NewClient(api.Config{Logger: &logger, Credentials: creds, BaseURL: ts.URL})

	_, err = client.History(context.Background(), "r1", "", 0)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-jwt", creds.Token())
}

func TestServer_Errors(t *testing.T) {
	ts, issuer := newTestServer(t)
	tokens, err := issuer.Issue(auth.Identity{UserID: "alice"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		code   int
	}{
		{name: "no token", method: http.MethodGet, path: "/api/chat/rooms/r1/messages", code: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/api/chat/rooms/r1/messages", token: "junk", code: http.StatusUnauthorized},
		{name: "bad limit", method: http.MethodGet, path: "/api/chat/rooms/r1/messages?limit=x", token: tokens.AccessToken, code: http.StatusBadRequest},
		{name: "unknown before", method: http.MethodGet, path: "/api/chat/rooms/r1/messages?before=nope", token: tokens.AccessToken, code: http.StatusNotFound},
		{name: "empty content", method: http.MethodPost, path: "/api/chat/rooms/r1/messages", token: tokens.AccessToken, body: `{"content":""}`, code: http.StatusBadRequest},
		{name: "content too large", method: http.MethodPost, path: "/api/chat/rooms/r1/messages", token: tokens.AccessToken, body: `{"content":"` + strings.Repeat("x", model.MaxContentSize+1) + `"}`, code: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "/api/chat/rooms/r1/messages", token: tokens.AccessToken, body: `{`, code: http.StatusBadRequest},
		{name: "login without user", method: http.MethodPost, path: "/api/auth/token", body: `{}`, code: http.StatusBadRequest},
		{name: "refresh with access token", method: http.MethodPost, path: "/api/auth/refresh", body: `{"refreshToken":"` + tokens.AccessToken + `"}`, code: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.code, resp.StatusCode)
			var env model.GenericResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
			assert.NotEmpty(t, env.Error)
		})
	}
}
