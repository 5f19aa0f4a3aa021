// Package config reads the huddle server's settings out of viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTP struct {
	Port           int
	AllowedOrigins []string
}

type Auth struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type Database struct {
	Driver string
	URL    string
}

type Transcription struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type Diarization struct {
	URL       string
	EnrollURL string
	Threshold float64
	Timeout   time.Duration
}

type Summarization struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
}

type Session struct {
	ChunksPerSummary int
	QueueDepth       int
}

type Config struct {
	HTTP          HTTP
	Auth          Auth
	Database      Database
	Transcription Transcription
	Diarization   Diarization
	Summarization Summarization
	Session       Session
}

// SetDefaults registers every key with its default so that environment
// variables can override keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 3001)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 15*time.Minute)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")

	v.SetDefault("transcription.api_key", "")
	v.SetDefault("transcription.model", "whisper-1")
	v.SetDefault("transcription.base_url", "https://api.openai.com/v1")
	v.SetDefault("transcription.timeout", 60*time.Second)

	v.SetDefault("diarization.url", "http://localhost:8000/diarize")
	v.SetDefault("diarization.enroll_url", "")
	v.SetDefault("diarization.threshold", 0.65)
	v.SetDefault("diarization.timeout", 30*time.Second)

	// An empty model lets each provider pick its own.
	v.SetDefault("summarization.provider", "anthropic")
	v.SetDefault("summarization.model", "")
	v.SetDefault("summarization.api_key", "")
	v.SetDefault("summarization.base_url", "")
	v.SetDefault("summarization.timeout", 90*time.Second)
	v.SetDefault("summarization.max_tokens", 4096)

	v.SetDefault("session.chunks_per_summary", 12)
	v.SetDefault("session.queue_depth", 64)
}

// Bind wires HUDDLE_* environment variables onto dotted keys,
// e.g. HUDDLE_AUTH_JWT_SECRET for auth.jwt_secret.
func Bind(v *viper.Viper) {
	v.SetEnvPrefix("huddle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTP: HTTP{
			Port:           v.GetInt("http.port"),
			AllowedOrigins: v.GetStringSlice("http.allowed_origins"),
		},
		Auth: Auth{
			JWTSecret: v.GetString("auth.jwt_secret"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		Database: Database{
			Driver: v.GetString("database.driver"),
			URL:    v.GetString("database.url"),
		},
		Transcription: Transcription{
			APIKey:  v.GetString("transcription.api_key"),
			Model:   v.GetString("transcription.model"),
			BaseURL: v.GetString("transcription.base_url"),
			Timeout: v.GetDuration("transcription.timeout"),
		},
		Diarization: Diarization{
			URL:       v.GetString("diarization.url"),
			EnrollURL: v.GetString("diarization.enroll_url"),
			Threshold: v.GetFloat64("diarization.threshold"),
			Timeout:   v.GetDuration("diarization.timeout"),
		},
		Summarization: Summarization{
			Provider:  strings.ToLower(v.GetString("summarization.provider")),
			Model:     v.GetString("summarization.model"),
			APIKey:    v.GetString("summarization.api_key"),
			BaseURL:   v.GetString("summarization.base_url"),
			Timeout:   v.GetDuration("summarization.timeout"),
			MaxTokens: v.GetInt("summarization.max_tokens"),
		},
		Session: Session{
			ChunksPerSummary: v.GetInt("session.chunks_per_summary"),
			QueueDepth:       v.GetInt("session.queue_depth"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	switch c.Summarization.Provider {
	case "anthropic", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("unknown summarization.provider %q", c.Summarization.Provider))
	}
	if c.Session.ChunksPerSummary < 1 {
		errs = append(errs, errors.New("session.chunks_per_summary must be at least 1"))
	}
	if c.Session.QueueDepth < 0 {
		errs = append(errs, errors.New("session.queue_depth must not be negative"))
	}
	return errors.Join(errs...)
}
