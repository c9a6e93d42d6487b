package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL   string
	HTTPAddr      string
	BlobRoot      string
	RasterURL     string
	LogLevel      string
	Env           string // dev|prod
	SentryDSN     string
	BotToken      string  // operator alert channel, optional
	AlertChatIDs  []int64 // telegram chat ids for alarms
	AuthTokens    map[string]int64
	LockTTL       time.Duration
	SweepInterval time.Duration
}

func Load() (*Config, error) {
	chatIDs, err := parseIDs(os.Getenv("ALERT_CHAT_IDS"))
	if err != nil {
		return nil, err
	}
	tokens, err := parseTokens(os.Getenv("AUTH_TOKENS"))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		DatabaseURL:   mustEnv("DATABASE_URL"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		BlobRoot:      getenv("BLOB_ROOT", "./data/blobs"),
		RasterURL:     getenv("RASTER_URL", "http://raster:8090"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		Env:           getenv("ENV", "dev"),
		SentryDSN:     os.Getenv("SENTRY_DSN"),
		BotToken:      os.Getenv("BOT_TOKEN"),
		AlertChatIDs:  chatIDs,
		AuthTokens:    tokens,
		LockTTL:       getDuration("LOCK_TTL", 10*time.Minute),
		SweepInterval: getDuration("LOCK_SWEEP_INTERVAL", time.Minute),
	}
	return cfg, nil
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("required env " + k + " is empty")
	}
	return v
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseTokens reads "token:userID,token:userID". The school IL issues the
// tokens; we only map them to local user rows.
func parseTokens(s string) (map[string]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	out := make(map[string]int64)
	for _, pair := range strings.Split(s, ",") {
		tok, id, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, errors.New("AUTH_TOKENS entry must be token:user_id")
		}
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, err
		}
		out[tok] = n
	}
	return out, nil
}

func parseIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
