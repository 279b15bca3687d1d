package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// DBFile enables persistence of the local store when set.
	DBFile string
	// ServerURL switches the client to a remote websocket backend.
	ServerURL string
	UserID    string
	UserName  string
	Room      string
	MaxMsgs   int
}

func Load() (*Config, error) {
	// A local .env is a convenience, not a requirement.
	_ = godotenv.Load()

	maxMsgs, err := strconv.Atoi(getEnv("FIRECHAT_MAX_MESSAGES", "50"))
	if err != nil {
		return nil, fmt.Errorf("FIRECHAT_MAX_MESSAGES: %w", err)
	}

	cfg := &Config{
		DBFile:    os.Getenv("FIRECHAT_DB"),
		ServerURL: os.Getenv("FIRECHAT_SERVER"),
		UserID:    os.Getenv("FIRECHAT_USER_ID"),
		UserName:  getEnv("FIRECHAT_USER_NAME", "anonymous"),
		Room:      getEnv("FIRECHAT_ROOM", "lobby"),
		MaxMsgs:   maxMsgs,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxMsgs <= 0 {
		return fmt.Errorf("FIRECHAT_MAX_MESSAGES must be greater than 0")
	}
	if c.UserName == "" {
		return fmt.Errorf("FIRECHAT_USER_NAME cannot be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
