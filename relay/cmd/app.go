package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/courtchat/relay/auth"
	httpServer "github.com/adwski/courtchat/relay/server/http"
	websocketServer "github.com/adwski/courtchat/relay/server/websocket"
	"github.com/adwski/courtchat/relay/service"
	store "github.com/adwski/courtchat/relay/storage/memory"
	sw "github.com/adwski/courtchat/relay/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", ":8888", "websocket listen address")
		logLevel        = fs.StringP("log-level", "l", "debug", "log level")
		secret          = fs.StringP("secret", "s", os.Getenv("COURTCHAT_SECRET"), "token signing secret (env COURTCHAT_SECRET)")
		accessTTL       = fs.Duration("access-ttl", 0, "access token lifetime")
		refreshTTL      = fs.Duration("refresh-ttl", 0, "refresh token lifetime")
		maxParticipants = fs.Int("max-participants", 0, "room participants limit")
		frameRate       = fs.Float64("frame-rate", 0, "inbound websocket frames per second per connection")
		frameBurst      = fs.Int("frame-burst", 0, "inbound websocket frame burst per connection")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	issuer, err := auth.NewIssuer(auth.Config{
		Secret:     *secret,
		AccessTTL:  *accessTTL,
		RefreshTTL: *refreshTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token issuer")
	}

	svc := service.NewService(service.Config{
		MessageStore: store.NewMemStore(*maxParticipants),
		Switch:       sw.NewSwitch(&logger),
		Logger:       &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		ChatService: svc,
		Issuer:      issuer,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &logger,
		ChatService: svc,
		Verifier:    issuer,
		ListenAddr:  *wsListenAddr,
		FrameRate:   *frameRate,
		FrameBurst:  *frameBurst,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
