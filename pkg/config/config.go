// Package config loads the interview engine configuration from the
// environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-interview/pkg/core/live"
	"github.com/vango-go/vai-interview/pkg/live/session"
)

type Config struct {
	APIKey  string
	Session live.SessionConfig

	// Recording metadata and clip storage. Recording is disabled when
	// DatabaseURL is empty.
	DatabaseURL   string
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	PresignExpiry time.Duration

	// Capture
	FFmpegPath       string
	RecordingBitrate string
	RecordingChunk   time.Duration
	TransitionDelay  time.Duration

	// Upload retries
	UploadAttempts  int
	UploadBaseDelay time.Duration
	UploadTimeout   time.Duration
	UploadDrain     time.Duration

	MetricsAddr string
	LogLevel    zerolog.Level
}

// LoadDotEnv loads the given files, or .env when none are named. Variables
// already set in the environment win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func LoadFromEnv() (Config, error) {
	def := live.DefaultSessionConfig()
	sess := live.SessionConfig{
		URL:                  envOr("INTERVIEW_LIVE_URL", def.URL),
		Model:                envOr("INTERVIEW_MODEL", def.Model),
		Voice:                envOr("INTERVIEW_VOICE", def.Voice),
		SessionBudget:        envDurationOr("INTERVIEW_SESSION_BUDGET", def.SessionBudget),
		RenewBefore:          envDurationOr("INTERVIEW_RENEW_BEFORE", def.RenewBefore),
		ConnectTimeout:       envDurationOr("INTERVIEW_CONNECT_TIMEOUT", def.ConnectTimeout),
		SetupTimeout:         envDurationOr("INTERVIEW_SETUP_TIMEOUT", def.SetupTimeout),
		ReconnectBaseDelay:   envDurationOr("INTERVIEW_RECONNECT_BASE", def.ReconnectBaseDelay),
		MaxReconnectAttempts: envIntOr("INTERVIEW_RECONNECT_MAX", def.MaxReconnectAttempts),
		StableAfter:          envDurationOr("INTERVIEW_RECONNECT_STABLE_AFTER", def.StableAfter),
		VoiceThreshold:       envFloat64Or("INTERVIEW_VOICE_THRESHOLD", def.VoiceThreshold),
		PlaybackMinBufferMs:  envIntOr("INTERVIEW_PLAYBACK_MIN_BUFFER_MS", def.PlaybackMinBufferMs),
		Greet:                envBoolOr("INTERVIEW_GREET", true),
	}
	for _, m := range splitCSV(os.Getenv("INTERVIEW_RESPONSE_MODALITIES")) {
		sess.ResponseModalities = append(sess.ResponseModalities, live.Modality(strings.ToUpper(m)))
	}

	cfg := Config{
		APIKey:           strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		Session:          sess.WithDefaults(),
		DatabaseURL:      envOr("INTERVIEW_DATABASE_URL", ""),
		S3Bucket:         envOr("INTERVIEW_S3_BUCKET", ""),
		S3Region:         envOr("INTERVIEW_S3_REGION", ""),
		S3Prefix:         envOr("INTERVIEW_S3_PREFIX", "interview-recordings"),
		PresignExpiry:    envDurationOr("INTERVIEW_S3_PRESIGN_EXPIRY", 15*time.Minute),
		FFmpegPath:       envOr("INTERVIEW_FFMPEG_PATH", "ffmpeg"),
		RecordingBitrate: envOr("INTERVIEW_RECORDING_BITRATE", "2500k"),
		RecordingChunk:   envDurationOr("INTERVIEW_RECORDING_CHUNK", time.Second),
		TransitionDelay:  envDurationOr("INTERVIEW_TRANSITION_DELAY", 500*time.Millisecond),
		UploadAttempts:   envIntOr("INTERVIEW_UPLOAD_RETRIES", 3),
		UploadBaseDelay:  envDurationOr("INTERVIEW_UPLOAD_BASE_DELAY", time.Second),
		UploadTimeout:    envDurationOr("INTERVIEW_UPLOAD_TIMEOUT", 5*time.Minute),
		UploadDrain:      envDurationOr("INTERVIEW_UPLOAD_DRAIN", 2*time.Minute),
		MetricsAddr:      envOr("INTERVIEW_METRICS_ADDR", ""),
		LogLevel:         zerolog.InfoLevel,
	}

	if raw := envOr("INTERVIEW_LOG_LEVEL", ""); raw != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return Config{}, fmt.Errorf("INTERVIEW_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = lvl
	}

	if err := session.ValidateAPIKey(cfg.APIKey); err != nil {
		return Config{}, fmt.Errorf("GEMINI_API_KEY: %w", err)
	}
	if err := cfg.Session.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.UploadAttempts < 1 {
		return Config{}, fmt.Errorf("INTERVIEW_UPLOAD_RETRIES must be >= 1")
	}
	if cfg.DatabaseURL != "" && cfg.S3Bucket == "" {
		return Config{}, fmt.Errorf("INTERVIEW_S3_BUCKET must be set when INTERVIEW_DATABASE_URL is set")
	}
	return cfg, nil
}

// RecordingEnabled reports whether per-question recording is configured.
func (c Config) RecordingEnabled() bool {
	return c.DatabaseURL != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
