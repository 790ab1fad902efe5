package main

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr    string
	TLSCert string
	TLSKey  string

	RedisAddr     string
	MongoURI      string
	MongoDatabase string

	// Base64 (raw URL encoding) Ed25519 public key of the session service.
	SessionPubKey string

	MaxMessageSize    int64
	RoomIdleTimeout   time.Duration
	SweepInterval     time.Duration
	SaveDebounce      time.Duration
	RateLimitPerIP    float64
	UserMessageLimit  int
	UserMessageWindow time.Duration
}

func LoadConfig() *Config {
	return &Config{
		Addr:              envStr("SYNC_ADDR", ":8443"),
		TLSCert:           envStr("SYNC_TLS_CERT", ""),
		TLSKey:            envStr("SYNC_TLS_KEY", ""),
		RedisAddr:         envStr("SYNC_REDIS_ADDR", ""),
		MongoURI:          envStr("SYNC_MONGO_URI", ""),
		MongoDatabase:     envStr("SYNC_MONGO_DB", "canvas"),
		SessionPubKey:     envStr("SYNC_SESSION_PUBKEY", ""),
		MaxMessageSize:    int64(envInt("SYNC_MAX_MESSAGE_SIZE", 1048576)),
		RoomIdleTimeout:   time.Duration(envInt("SYNC_ROOM_IDLE_TIMEOUT", 3600)) * time.Second,
		SweepInterval:     time.Duration(envInt("SYNC_SWEEP_INTERVAL", 300)) * time.Second,
		SaveDebounce:      time.Duration(envInt("SYNC_SAVE_DEBOUNCE", 30)) * time.Second,
		RateLimitPerIP:    float64(envInt("SYNC_RATE_LIMIT_PER_IP", 100)),
		UserMessageLimit:  envInt("SYNC_USER_MESSAGE_LIMIT", 10),
		UserMessageWindow: time.Duration(envInt("SYNC_USER_MESSAGE_WINDOW_MS", 1000)) * time.Millisecond,
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
