// Package config loads client configuration from the environment via
// envdecode, using the `env:"...,default=..."` tag convention.
package config

import (
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds everything needed to talk to one Jupyter server.
type Config struct {
	BaseURL  string `env:"JUPYTER_BASE_URL,required"`
	WSURL    string `env:"JUPYTER_WS_URL"`
	Token    string `env:"JUPYTER_TOKEN"`
	Username string `env:"JUPYTER_USERNAME,default=anonymous"`

	ReconnectLimit int `env:"JUPYTER_RECONNECT_LIMIT,default=7"`

	RunningPollEvery time.Duration `env:"JUPYTER_RUNNING_POLL_INTERVAL,default=10s"`
	SpecsPollEvery   time.Duration `env:"JUPYTER_SPECS_POLL_INTERVAL,default=61s"`
	RequestTimeout   time.Duration `env:"JUPYTER_REQUEST_TIMEOUT,default=0s"`
}

// FromEnv decodes Config from the environment and derives WSURL from
// BaseURL when unset, the same way redishost.New falls back to a hardcoded
// default when its env var comes back empty.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.BaseURL)
	}
	return cfg, nil
}

func deriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
