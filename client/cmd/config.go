package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

var ErrConfig = errors.New("invalid configuration")

type config struct {
	APIURL            string        `toml:"api_url"`
	WSURL             string        `toml:"ws_url"`
	Room              string        `toml:"room"`
	UserID            string        `toml:"user_id"`
	UserName          string        `toml:"user_name"`
	Credentials       string        `toml:"credentials"`
	TypingDelay       time.Duration `toml:"typing_delay"`
	TypingTTL         time.Duration `toml:"typing_ttl"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay"`
	ReconnectAttempts int           `toml:"reconnect_attempts"`
	LogLevel          string        `toml:"log_level"`
	Dump              bool          `toml:"dump"`
}

func defaultConfig() config {
	return config{
		APIURL:            "http://localhost:8080",
		WSURL:             "ws://localhost:8888/ws",
		Room:              "lobby",
		TypingDelay:       3 * time.Second,
		TypingTTL:         10 * time.Second,
		ReconnectDelay:    2 * time.Second,
		ReconnectAttempts: 5,
		LogLevel:          "info",
	}
}

// loadConfig applies defaults, then the optional TOML file, then flags that
// were set explicitly.
func loadConfig(args []string) (config, error) {
	cfg := defaultConfig()
	fs := pflag.NewFlagSet("courtchat", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to TOML config file")
		flagCfg    = defaultConfig()
	)
	fs.StringVar(&flagCfg.APIURL, "api-url", flagCfg.APIURL, "REST api base url")
	fs.StringVar(&flagCfg.WSURL, "ws-url", flagCfg.WSURL, "websocket endpoint url")
	fs.StringVarP(&flagCfg.Room, "room", "r", flagCfg.Room, "room to join")
	fs.StringVarP(&flagCfg.UserID, "user", "u", flagCfg.UserID, "user id for dev login")
	fs.StringVar(&flagCfg.UserName, "name", flagCfg.UserName, "display name for dev login")
	fs.StringVar(&flagCfg.Credentials, "credentials", flagCfg.Credentials, "credentials file, kept in memory if empty")
	fs.DurationVar(&flagCfg.TypingDelay, "typing-delay", flagCfg.TypingDelay, "inactivity before typing stop is sent")
	fs.DurationVar(&flagCfg.TypingTTL, "typing-ttl", flagCfg.TypingTTL, "drop remote typists not refreshed within this period")
	fs.DurationVar(&flagCfg.ReconnectDelay, "reconnect-delay", flagCfg.ReconnectDelay, "delay between reconnect attempts")
	fs.IntVar(&flagCfg.ReconnectAttempts, "reconnect-attempts", flagCfg.ReconnectAttempts, "reconnect attempts before giving up")
	fs.StringVarP(&flagCfg.LogLevel, "log-level", "l", flagCfg.LogLevel, "log level")
	fs.BoolVar(&flagCfg.Dump, "dump", flagCfg.Dump, "dump every frame at trace level")

	if err := fs.Parse(args); err != nil {
		return cfg, errors.Join(ErrConfig, err)
	}

	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			return cfg, errors.Join(ErrConfig, fmt.Errorf("read %s: %w", *configPath, err))
		}
	}

	overrides := map[string]func(){
		"api-url":            func() { cfg.APIURL = flagCfg.APIURL },
		"ws-url":             func() { cfg.WSURL = flagCfg.WSURL },
		"room":               func() { cfg.Room = flagCfg.Room },
		"user":               func() { cfg.UserID = flagCfg.UserID },
		"name":               func() { cfg.UserName = flagCfg.UserName },
		"credentials":        func() { cfg.Credentials = flagCfg.Credentials },
		"typing-delay":       func() { cfg.TypingDelay = flagCfg.TypingDelay },
		"typing-ttl":         func() { cfg.TypingTTL = flagCfg.TypingTTL },
		"reconnect-delay":    func() { cfg.ReconnectDelay = flagCfg.ReconnectDelay },
		"reconnect-attempts": func() { cfg.ReconnectAttempts = flagCfg.ReconnectAttempts },
		"log-level":          func() { cfg.LogLevel = flagCfg.LogLevel },
		"dump":               func() { cfg.Dump = flagCfg.Dump },
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	if cfg.Room == "" {
		return cfg, fmt.Errorf("%w: room is required", ErrConfig)
	}
	if cfg.UserName == "" {
		cfg.UserName = cfg.UserID
	}
	return cfg, nil
}

func defaultUserID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "guest"
}
