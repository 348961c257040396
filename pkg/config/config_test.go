package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-go/vai-interview/pkg/core/live"
)

var interviewEnvKeys = []string{
	"GEMINI_API_KEY",
	"INTERVIEW_LIVE_URL",
	"INTERVIEW_MODEL",
	"INTERVIEW_VOICE",
	"INTERVIEW_RESPONSE_MODALITIES",
	"INTERVIEW_SESSION_BUDGET",
	"INTERVIEW_RENEW_BEFORE",
	"INTERVIEW_CONNECT_TIMEOUT",
	"INTERVIEW_SETUP_TIMEOUT",
	"INTERVIEW_RECONNECT_BASE",
	"INTERVIEW_RECONNECT_MAX",
	"INTERVIEW_RECONNECT_STABLE_AFTER",
	"INTERVIEW_VOICE_THRESHOLD",
	"INTERVIEW_PLAYBACK_MIN_BUFFER_MS",
	"INTERVIEW_GREET",
	"INTERVIEW_DATABASE_URL",
	"INTERVIEW_S3_BUCKET",
	"INTERVIEW_S3_REGION",
	"INTERVIEW_S3_PREFIX",
	"INTERVIEW_S3_PRESIGN_EXPIRY",
	"INTERVIEW_FFMPEG_PATH",
	"INTERVIEW_RECORDING_BITRATE",
	"INTERVIEW_RECORDING_CHUNK",
	"INTERVIEW_TRANSITION_DELAY",
	"INTERVIEW_UPLOAD_RETRIES",
	"INTERVIEW_UPLOAD_BASE_DELAY",
	"INTERVIEW_UPLOAD_TIMEOUT",
	"INTERVIEW_UPLOAD_DRAIN",
	"INTERVIEW_METRICS_ADDR",
	"INTERVIEW_LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range interviewEnvKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "AIzaRealLookingKey")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Session.SessionBudget != 25*time.Minute || cfg.Session.RenewBefore != 2*time.Minute {
		t.Errorf("budget/renew = %v/%v", cfg.Session.SessionBudget, cfg.Session.RenewBefore)
	}
	if cfg.Session.MaxReconnectAttempts != 5 || cfg.Session.ReconnectBaseDelay != time.Second {
		t.Errorf("reconnect = %d x %v", cfg.Session.MaxReconnectAttempts, cfg.Session.ReconnectBaseDelay)
	}
	if cfg.Session.VoiceThreshold != live.DefaultVoiceThreshold {
		t.Errorf("voice threshold = %v", cfg.Session.VoiceThreshold)
	}
	if len(cfg.Session.ResponseModalities) != 1 || cfg.Session.ResponseModalities[0] != live.ModalityAudio {
		t.Errorf("modalities = %v", cfg.Session.ResponseModalities)
	}
	if cfg.UploadAttempts != 3 || cfg.UploadBaseDelay != time.Second {
		t.Errorf("upload = %d x %v", cfg.UploadAttempts, cfg.UploadBaseDelay)
	}
	if cfg.RecordingEnabled() {
		t.Error("recording enabled without a database")
	}
	if cfg.LogLevel != zerolog.InfoLevel {
		t.Errorf("log level = %v", cfg.LogLevel)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "AIzaRealLookingKey")
	t.Setenv("INTERVIEW_RESPONSE_MODALITIES", "audio, text")
	t.Setenv("INTERVIEW_VOICE_THRESHOLD", "0.05")
	t.Setenv("INTERVIEW_RECONNECT_MAX", "3")
	t.Setenv("INTERVIEW_DATABASE_URL", "postgres://localhost/interviews")
	t.Setenv("INTERVIEW_S3_BUCKET", "clips")
	t.Setenv("INTERVIEW_LOG_LEVEL", "DEBUG")
	t.Setenv("INTERVIEW_GREET", "no")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if got := cfg.Session.ResponseModalities; len(got) != 2 || got[1] != live.ModalityText {
		t.Errorf("modalities = %v", got)
	}
	if cfg.Session.VoiceThreshold != 0.05 || cfg.Session.MaxReconnectAttempts != 3 {
		t.Errorf("threshold/reconnect = %v/%d", cfg.Session.VoiceThreshold, cfg.Session.MaxReconnectAttempts)
	}
	if !cfg.RecordingEnabled() || cfg.Session.Greet {
		t.Errorf("recording=%v greet=%v", cfg.RecordingEnabled(), cfg.Session.Greet)
	}
	if cfg.LogLevel != zerolog.DebugLevel {
		t.Errorf("log level = %v", cfg.LogLevel)
	}
}

func TestLoadFromEnv_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing key", map[string]string{}, "GEMINI_API_KEY"},
		{"placeholder key", map[string]string{"GEMINI_API_KEY": "your-gemini-api-key"}, "placeholder"},
		{"renew after budget", map[string]string{"GEMINI_API_KEY": "AIzaOk", "INTERVIEW_RENEW_BEFORE": "30m"}, "renew_before"},
		{"unknown modality", map[string]string{"GEMINI_API_KEY": "AIzaOk", "INTERVIEW_RESPONSE_MODALITIES": "VIDEO"}, "modalit"},
		{"bucket required", map[string]string{"GEMINI_API_KEY": "AIzaOk", "INTERVIEW_DATABASE_URL": "postgres://x"}, "INTERVIEW_S3_BUCKET"},
		{"bad log level", map[string]string{"GEMINI_API_KEY": "AIzaOk", "INTERVIEW_LOG_LEVEL": "loud"}, "INTERVIEW_LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadFromEnv() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadDotEnv_ExistingEnvWins(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "GEMINI_API_KEY=from-file\nINTERVIEW_VOICE=Kore\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GEMINI_API_KEY", "from-env")
	// t.Setenv("", ...) leaves the variable present but empty, which godotenv
	// treats as set, so unset the one the file should fill.
	os.Unsetenv("INTERVIEW_VOICE")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("INTERVIEW_VOICE") })

	if got := os.Getenv("GEMINI_API_KEY"); got != "from-env" {
		t.Errorf("GEMINI_API_KEY = %q, want from-env", got)
	}
	if got := os.Getenv("INTERVIEW_VOICE"); got != "Kore" {
		t.Errorf("INTERVIEW_VOICE = %q, want Kore", got)
	}
}
