package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the phone assistant service.
type Config struct {
	Environment           string
	BindAddr              string
	PublicHost            string
	ShutdownTimeout       time.Duration
	CallInactivityTimeout time.Duration
	MetricsNamespace      string

	OpenAIAPIKey   string
	RealtimeURL    string
	RealtimeModel  string
	Voice          string
	Instructions   string
	GreetingPrompt string
	Temperature    float64

	TwilioAccountSID string
	TwilioAuthToken  string

	InitialMicMode     string
	MicDebounceWindow  time.Duration
	HoldAudioThreshold time.Duration
	MaxUnackedFrames   int
	MaxConcurrentCalls int

	DatabaseURL string
}

// Load reads .env when present, then environment variables with safe defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:      envOrDefault("APP_ENV", "production"),
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicHost:       stringsTrimSpace("APP_PUBLIC_HOST"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "juniper"),
		RealtimeURL:      envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:    envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		Voice:            envOrDefault("ASSISTANT_VOICE", "alloy"),
		Instructions: envOrDefault("ASSISTANT_INSTRUCTIONS",
			"You are Juniper, a friendly assistant on a phone call. Keep replies short and conversational."),
		GreetingPrompt: envOrDefault("ASSISTANT_GREETING_PROMPT",
			"Greet the caller warmly and ask how you can help."),
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		TwilioAccountSID:      stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:       stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		InitialMicMode:        envOrDefault("MIC_INITIAL_MODE", "near_field"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		Temperature:           0.8,
		ShutdownTimeout:       15 * time.Second,
		CallInactivityTimeout: 2 * time.Minute,
		MicDebounceWindow:     2 * time.Second,
		HoldAudioThreshold:    1500 * time.Millisecond,
		MaxUnackedFrames:      50,
		MaxConcurrentCalls:    20,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallInactivityTimeout, err = durationFromEnv("APP_CALL_INACTIVITY_TIMEOUT", cfg.CallInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MicDebounceWindow, err = durationFromEnv("MIC_DEBOUNCE_WINDOW", cfg.MicDebounceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.HoldAudioThreshold, err = durationFromEnv("HOLD_AUDIO_THRESHOLD", cfg.HoldAudioThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUnackedFrames, err = intFromEnv("STREAM_MAX_UNACKED_FRAMES", cfg.MaxUnackedFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentCalls, err = intFromEnv("MAX_CONCURRENT_CALLS", cfg.MaxConcurrentCalls)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("ASSISTANT_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}

	if cfg.CallInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CALL_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MicDebounceWindow <= 0 {
		return Config{}, fmt.Errorf("MIC_DEBOUNCE_WINDOW must be positive")
	}
	if cfg.HoldAudioThreshold <= 0 {
		return Config{}, fmt.Errorf("HOLD_AUDIO_THRESHOLD must be positive")
	}
	if cfg.MaxUnackedFrames <= 0 {
		return Config{}, fmt.Errorf("STREAM_MAX_UNACKED_FRAMES must be positive")
	}
	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_CALLS must be positive")
	}
	switch cfg.InitialMicMode {
	case "near_field", "far_field":
	default:
		return Config{}, fmt.Errorf("MIC_INITIAL_MODE must be near_field or far_field")
	}
	if _, err := url.Parse(cfg.RealtimeURL); err != nil {
		return Config{}, fmt.Errorf("OPENAI_REALTIME_URL parse error: %w", err)
	}

	return cfg, nil
}

// StreamURL returns the public websocket URL Twilio should connect to.
func (c Config) StreamURL() string {
	host := c.PublicHost
	if host == "" {
		host = "localhost" + c.BindAddr
	}
	return "wss://" + host + "/twilio/media-stream"
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
