package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string

	RedisAddr         string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	StoryServiceURL   string        `env:"STORY_SERVICE_URL" envDefault:"http://localhost:9090"`
	StoryServiceToken string        `env:"STORY_SERVICE_TOKEN"`
	StoryTimeout      time.Duration `env:"STORY_TIMEOUT" envDefault:"3m"`
	ChatCooldown      time.Duration `env:"CHAT_COOLDOWN" envDefault:"2s"`
	VoteSweepInterval time.Duration `env:"VOTE_SWEEP_INTERVAL" envDefault:"15s"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		ServerAddr:     serverAddr,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}

	// Service endpoints and tunables are environment-only.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}
