package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keitaro-dev/aibou/internal/audiocodec"
	"github.com/keitaro-dev/aibou/internal/audiograph"
	"github.com/keitaro-dev/aibou/internal/livesession"
)

// Config contains all runtime settings for the companion voice gateway.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Upstream realtime model endpoint.
	UpstreamWSBaseURL string
	UpstreamAPIKey    string
	Model             string
	DefaultVoice      string
	DefaultPersonaID  string

	// Reconnect policy for dropped upstream connections.
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	ReconnectRetries int

	// Audio pipeline tuning.
	InputSampleRate  int
	OutputSampleRate int
	CaptureBlock     int
	FFTSize          int
	GateThreshold    float64
	GateHold         int

	DatabaseURL     string
	MemoryFactLimit int
}

// Load reads a .env file if present, then environment variables, and applies
// safe defaults.
func Load() (Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "aibou"),
		AllowAnyOrigin:    false,
		UpstreamWSBaseURL: envOrDefault("LIVE_WS_BASE_URL", ""),
		UpstreamAPIKey:    stringsTrimSpace("LIVE_API_KEY"),
		Model:             envOrDefault("LIVE_MODEL", "models/gemini-2.5-flash-native-audio-preview"),
		// Warm female voice matching the default companion persona.
		DefaultVoice:             envOrDefault("LIVE_VOICE", "Aoede"),
		DefaultPersonaID:         envOrDefault("APP_DEFAULT_PERSONA", "hana"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		MemoryFactLimit:          50,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		ReconnectBase:            livesession.DefaultBackoffBase,
		ReconnectCap:             livesession.DefaultBackoffCap,
		ReconnectRetries:         livesession.DefaultMaxReconnects,
		InputSampleRate:          audiocodec.InputSampleRate,
		OutputSampleRate:         audiocodec.OutputSampleRate,
		CaptureBlock:             audiograph.DefaultCaptureBlock,
		FFTSize:                  audiograph.DefaultFFTSize,
		GateThreshold:            audiograph.DefaultGateThreshold,
		GateHold:                 audiograph.DefaultGateHold,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBase, err = durationFromEnv("LIVE_RECONNECT_BASE", cfg.ReconnectBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectCap, err = durationFromEnv("LIVE_RECONNECT_CAP", cfg.ReconnectCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectRetries, err = intFromEnv("LIVE_RECONNECT_RETRIES", cfg.ReconnectRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureBlock, err = intFromEnv("AUDIO_CAPTURE_BLOCK", cfg.CaptureBlock)
	if err != nil {
		return Config{}, err
	}
	cfg.FFTSize, err = intFromEnv("AUDIO_FFT_SIZE", cfg.FFTSize)
	if err != nil {
		return Config{}, err
	}
	cfg.GateThreshold, err = floatFromEnv("AUDIO_GATE_THRESHOLD", cfg.GateThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.GateHold, err = intFromEnv("AUDIO_GATE_HOLD", cfg.GateHold)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryFactLimit, err = intFromEnv("MEMORY_FACT_LIMIT", cfg.MemoryFactLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ReconnectRetries <= 0 {
		return Config{}, fmt.Errorf("LIVE_RECONNECT_RETRIES must be positive")
	}
	if cfg.CaptureBlock <= 0 {
		return Config{}, fmt.Errorf("AUDIO_CAPTURE_BLOCK must be positive")
	}
	if cfg.FFTSize <= 0 || cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		return Config{}, fmt.Errorf("AUDIO_FFT_SIZE must be a positive power of two")
	}
	if cfg.GateThreshold <= 0 || cfg.GateThreshold >= 1 {
		return Config{}, fmt.Errorf("AUDIO_GATE_THRESHOLD must be in (0, 1)")
	}
	if cfg.GateHold <= 0 {
		return Config{}, fmt.Errorf("AUDIO_GATE_HOLD must be positive")
	}
	if cfg.MemoryFactLimit <= 0 {
		return Config{}, fmt.Errorf("MEMORY_FACT_LIMIT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
