package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/courtchat/client/api"
	"github.com/adwski/courtchat/client/conn"
	"github.com/adwski/courtchat/client/credentials"
	"github.com/adwski/courtchat/client/events"
	"github.com/adwski/courtchat/client/timeline"
	"github.com/adwski/courtchat/model"
)

const defaultFallbackTimeout = 10 * time.Second

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = run(ctx, cfg, os.Stdin, os.Stdout, &logger); err != nil {
		logger.Error().Err(err).Msg("client stopped")
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, in io.Reader, out io.Writer, logger *zerolog.Logger) error {
	var creds credentials.Store = credentials.NewMemStore(model.Tokens{})
	if cfg.Credentials != "" {
		fileCreds, err := credentials.OpenFileStore(cfg.Credentials)
		if err != nil {
			return err
		}
		creds = fileCreds
	}

	apiClient := api.NewClient(api.Config{
		Logger:      logger,
		Credentials: creds,
		BaseURL:     cfg.APIURL,
	})

	// stored tokens keep their identity unless another user is requested
	userID := cfg.UserID
	if userID == "" {
		userID = creds.UserID()
	}
	if userID == "" {
		userID = defaultUserID()
	}
	if creds.Token() == "" || creds.UserID() != userID {
		userName := cfg.UserName
		if userName == "" {
			userName = userID
		}
		if _, err := apiClient.Login(ctx, api.LoginRequest{UserID: userID, UserName: userName}); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		logger.Info().Str("userID", userID).Msg("logged in")
	}

	var tap func(bool, model.Frame)
	if cfg.Dump {
		tap = func(inbound bool, f model.Frame) {
			logger.Trace().Bool("inbound", inbound).Msg(spew.Sdump(f))
		}
	}
	mgr := conn.NewManager(conn.Config{
		Logger:            logger,
		Credentials:       creds,
		URL:               cfg.WSURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectAttempts: cfg.ReconnectAttempts,
		Tap:               tap,
	})
	defer mgr.Disconnect()

	var (
		ui = &printer{out: out, mx: &sync.Mutex{}, seen: make(map[string]struct{})}
		// one refresh per rejection streak
		refreshed = &atomic.Bool{}
	)
	unsubscribe := mgr.Subscribe(events.Funcs{
		Status: func(e events.StatusChanged) {
			if e.New == events.StatusConnected {
				refreshed.Store(false)
			}
			ui.status(e)
		},
		Unauthorized: func(events.Unauthorized) {
			if refreshed.Swap(true) {
				logger.Error().Msg("credentials rejected after refresh, restart to log in again")
				return
			}
			// observers must not block the connection goroutine
			go reauthorize(ctx, apiClient, mgr, logger)
		},
	})
	defer unsubscribe()

	if err := mgr.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("realtime connection is not available, messages go over http")
	}

	tl, err := timeline.Open(ctx, timeline.Config{
		Logger:      logger,
		Transport:   mgr,
		History:     apiClient,
		RoomID:      cfg.Room,
		Self:        userID,
		TypingDelay: cfg.TypingDelay,
		TypingTTL:   cfg.TypingTTL,
	})
	if err != nil {
		return err
	}
	defer func() {
		if errC := tl.Close(); errC != nil {
			logger.Debug().Err(errC).Msg("timeline close")
		}
	}()

	// flush whatever arrived after the last signal
	defer ui.render(tl)
	go func() {
		ui.render(tl)
		for {
			select {
			case <-ctx.Done():
				return
			case <-tl.Updates():
				ui.render(tl)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, strings.TrimSpace(line), cfg.Room, tl, apiClient, logger); quit {
				return nil
			}
		}
	}
}

// handleLine processes one input line and reports whether to quit.
func handleLine(
	ctx context.Context,
	line string,
	roomID string,
	tl *timeline.Session,
	apiClient *api.Client,
	logger *zerolog.Logger,
) bool {
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/older":
		n, err := tl.LoadOlder(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load older messages")
		} else {
			logger.Info().Int("count", n).Bool("more", tl.HasMore()).Msg("older messages loaded")
		}
		return false
	}

	_, err := tl.Send(ctx, line)
	switch {
	case err == nil:
	case errors.Is(err, timeline.ErrNotConnected):
		fbCtx, cancel := context.WithTimeout(ctx, defaultFallbackTimeout)
		defer cancel()
		msg, errF := apiClient.CreateMessage(fbCtx, roomID, model.Draft{Content: line, ClientID: uuid.NewString()})
		if errF != nil {
			logger.Error().Err(errF).Msg("failed to send message over http")
			return false
		}
		logger.Debug().Str("id", msg.ID).Msg("message sent over http")
		tl.Add(msg)
	default:
		logger.Error().Err(err).Msg("failed to send message")
	}
	return false
}

func reauthorize(ctx context.Context, apiClient *api.Client, mgr *conn.Manager, logger *zerolog.Logger) {
	if err := apiClient.Refresh(ctx); err != nil {
		logger.Error().Err(err).Msg("session expired, restart to log in again")
		return
	}
	if err := mgr.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("reconnect after token refresh failed")
	}
}

type printer struct {
	out  io.Writer
	mx   *sync.Mutex
	seen map[string]struct{}
	// typists is the last printed typing line
	typists string
}

func (p *printer) status(e events.StatusChanged) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if e.Err != nil {
		_, _ = fmt.Fprintf(p.out, "* %s (%v)\n", e.New, e.Err)
		return
	}
	_, _ = fmt.Fprintf(p.out, "* %s\n", e.New)
}

func (p *printer) render(tl *timeline.Session) {
	msgs := tl.Messages()
	typists := tl.Typists()

	p.mx.Lock()
	defer p.mx.Unlock()
	for _, m := range msgs {
		if m.Pending {
			continue
		}
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		_, _ = fmt.Fprintln(p.out, formatMessage(m))
	}

	line := formatTypists(typists)
	if line != p.typists {
		p.typists = line
		if line != "" {
			_, _ = fmt.Fprintln(p.out, line)
		}
	}
}

func formatMessage(m model.Message) string {
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	switch m.Type {
	case model.MessageTypeSystem:
		return fmt.Sprintf("[%s] -- %s", m.Timestamp.Local().Format(time.TimeOnly), m.Content)
	case model.MessageTypeImage, model.MessageTypeFile:
		return fmt.Sprintf("[%s] %s sent %s: %s", m.Timestamp.Local().Format(time.TimeOnly), name, m.Type, m.Content)
	}
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format(time.TimeOnly), name, m.Content)
}

func formatTypists(ts []model.Typing) string {
	names := make([]string, 0, len(ts))
	for _, t := range ts {
		if t.UserName != "" {
			names = append(names, t.UserName)
		} else {
			names = append(names, t.UserID)
		}
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	}
	return strings.Join(names, ", ") + " are typing..."
}
