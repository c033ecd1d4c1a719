package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Video generation provider (async submit + poll)
	VideoAPIKey      string
	VideoAPIBaseURL  string
	VideoProvider    string
	VideoResolution  string
	VideoAspectRatio string

	// Image generation provider (synchronous)
	ImageAPIKey     string
	ImageAPIBaseURL string
	ImageModel      string
	ImageStyle      string

	// Orchestrator timing
	VideoSubmitInterval time.Duration
	ImageSubmitInterval time.Duration
	PollInterval        time.Duration
	SubmitTimeout       time.Duration
	RateLimitCooldown   time.Duration

	// Supabase
	SupabaseURL            string
	SupabasePublishableKey string
	SupabaseJWTSecret      string
	SupabaseStorageBucket  string

	// Provider callback
	ProviderWebhookToken string

	// Database
	DatabaseURL string

	// Local mirror
	MirrorPath string

	// Server
	Port        string
	Environment string
	BaseURL     string
}

func Load() (*Config, error) {
	cfg := &Config{
		VideoAPIKey:      getEnv("VIDEO_API_KEY", ""),
		VideoAPIBaseURL:  getEnv("VIDEO_API_BASE_URL", "https://api.geminigen.ai/uapi/v1"),
		VideoProvider:    getEnv("VIDEO_PROVIDER", "veo"),
		VideoResolution:  getEnv("VIDEO_RESOLUTION", "720p"),
		VideoAspectRatio: getEnv("VIDEO_ASPECT_RATIO", "9:16"),

		ImageAPIKey:     getEnv("IMAGE_API_KEY", ""),
		ImageAPIBaseURL: getEnv("IMAGE_API_BASE_URL", "https://api.geminigen.ai/uapi/v1"),
		ImageModel:      getEnv("IMAGE_MODEL", "gpt-image-1"),
		ImageStyle:      getEnv("IMAGE_STYLE", "cinematic"),

		VideoSubmitInterval: getEnvDuration("VIDEO_SUBMIT_INTERVAL", 15*time.Second),
		ImageSubmitInterval: getEnvDuration("IMAGE_SUBMIT_INTERVAL", 3*time.Second),
		PollInterval:        getEnvDuration("POLL_INTERVAL", 5*time.Second),
		SubmitTimeout:       getEnvDuration("SUBMIT_TIMEOUT", 60*time.Second),
		RateLimitCooldown:   getEnvDuration("RATE_LIMIT_COOLDOWN", 60*time.Second),

		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabasePublishableKey: getEnv("SUPABASE_PUBLISHABLE_KEY", ""),
		SupabaseJWTSecret:      getEnv("SUPABASE_JWT_SECRET", ""),
		SupabaseStorageBucket:  getEnv("SUPABASE_STORAGE_BUCKET", "video-segments"),

		ProviderWebhookToken: getEnv("PROVIDER_WEBHOOK_TOKEN", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		MirrorPath: getEnv("MIRROR_PATH", "./data/mirror"),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.VideoAPIKey == "" {
		return fmt.Errorf("VIDEO_API_KEY is required")
	}
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabasePublishableKey == "" {
		return fmt.Errorf("SUPABASE_PUBLISHABLE_KEY is required")
	}
	if c.SupabaseJWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	if c.VideoSubmitInterval <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("submit and poll intervals must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Plain numbers are treated as seconds.
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
