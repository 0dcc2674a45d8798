package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	ElevenLabsAgentID    string
	ElevenLabsAPIKey     string
	ElevenLabsWSBaseURL  string
	ElevenLabsAPIBaseURL string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	TwilioAPIBaseURL  string

	PerplexityAPIKey  string
	PerplexityBaseURL string
	PerplexityModel   string

	// PublicBaseURL is the externally reachable base URL used when pointing
	// Twilio's outbound-call webhook back at this service. When empty the
	// webhook URL is derived from the triggering request's host headers.
	PublicBaseURL string

	DatabaseURL string
}

// Load reads environment variables, applies safe defaults, and rejects a
// startup with any required value missing.
func Load() (Config, error) {
	cfg := Config{
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "journaline"),
		ElevenLabsAgentID:    trimmedEnv("ELEVENLABS_AGENT_ID"),
		ElevenLabsAPIKey:     trimmedEnv("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:  envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsAPIBaseURL: envOrDefault("ELEVENLABS_API_BASE_URL", "https://api.elevenlabs.io"),
		TwilioAccountSID:     trimmedEnv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      trimmedEnv("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber:    trimmedEnv("TWILIO_PHONE_NUMBER"),
		TwilioAPIBaseURL:     envOrDefault("TWILIO_API_BASE_URL", "https://api.twilio.com"),
		PerplexityAPIKey:     trimmedEnv("PERPLEXITY_API_KEY"),
		PerplexityBaseURL:    envOrDefault("PERPLEXITY_API_BASE_URL", "https://api.perplexity.ai"),
		PerplexityModel:      envOrDefault("PERPLEXITY_MODEL", "llama-3-sonar-small-32k-online"),
		PublicBaseURL:        trimmedEnv("PUBLIC_BASE_URL"),
		DatabaseURL:          trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:      15 * time.Second,
	}

	port, err := intFromEnv("PORT", 8000)
	if err != nil {
		return Config{}, err
	}
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("PORT must be in 1..65535")
	}
	cfg.BindAddr = ":" + strconv.Itoa(port)

	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	required := []struct {
		key   string
		value string
	}{
		{"ELEVENLABS_AGENT_ID", cfg.ElevenLabsAgentID},
		{"TWILIO_ACCOUNT_SID", cfg.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", cfg.TwilioAuthToken},
		{"TWILIO_PHONE_NUMBER", cfg.TwilioPhoneNumber},
	}
	for _, r := range required {
		if r.value == "" {
			return Config{}, fmt.Errorf("%s is required", r.key)
		}
	}

	return cfg, nil
}

// JournalEnabled reports whether the transcript summarization pipeline has the
// credentials it needs.
func (c Config) JournalEnabled() bool {
	return c.ElevenLabsAPIKey != "" && c.PerplexityAPIKey != ""
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
