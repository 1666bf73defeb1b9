// Package config loads Sophia's runtime configuration from the environment.
//
// Every value has a safe default. Missing optional settings disable the
// matching feature (retrieval, persistence, proactive messages) instead of
// failing startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/sophia-care/sophia/internal/genai"
	"github.com/sophia-care/sophia/internal/messaging"
	"github.com/sophia-care/sophia/internal/retrieval"
	"github.com/sophia-care/sophia/internal/scheduler"
	"github.com/sophia-care/sophia/internal/session"
	"github.com/sophia-care/sophia/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir holds the lock file, SQLite databases and debug logs.
	DefaultStateDir = "/var/lib/sophia"
	// DefaultWhatsAppDBFileName is the whatsmeow device database in the state directory.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Transports
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	TransportConsole  = "console"
)

// LLM configures the completion client.
type LLM struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	Retries        int
	Backoff        time.Duration
	MaxOutputChars int
	Debug          bool
}

// RAG configures retrieval.
type RAG struct {
	URL               string
	APIKey            string
	Tenant            string
	Database          string
	Collection        string
	TopK              int
	Timeout           time.Duration
	MinWords          int
	Keywords          []string
	SeverityThreshold float64
	EmbeddingModel    string
}

// Enabled reports whether a vector store is configured.
func (r RAG) Enabled() bool { return r.URL != "" }

// Twilio configures the Twilio transport.
type Twilio struct {
	AccountSID string
	AuthToken  string
	From       string
	WebhookURL string
}

// Config is the full runtime configuration.
type Config struct {
	StateDir    string
	DatabaseURL string
	Transport   string
	WhatsAppDSN string
	QRPath      string
	NumericCode bool
	APIAddr     string
	APIToken    string
	Twilio      Twilio
	LLM         LLM
	RAG         RAG

	PersonaFile         string
	DangerExtraPatterns []string

	AskChoice        bool
	EmergencyTimeout time.Duration
	OperatorID       string
	MaxStoredHistory int
	MaxHistoryTurns  int

	ProactiveEnabled bool
	ProactiveTimes   []string

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from environment variables.
func Load() Config {
	cfg := Config{
		StateDir:    util.GetEnv("SOPHIA_STATE_DIR", DefaultStateDir),
		DatabaseURL: util.GetEnv("DATABASE_URL", ""),
		Transport:   strings.ToLower(util.GetEnv("TRANSPORT", TransportWhatsApp)),
		WhatsAppDSN: util.GetEnv("WHATSAPP_DB_DSN", ""),
		QRPath:      util.GetEnv("WHATSAPP_QR_OUTPUT", ""),
		NumericCode: util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		APIAddr:     util.GetEnv("API_ADDR", ""),
		APIToken:    util.GetEnv("API_TOKEN", ""),
		Twilio: Twilio{
			AccountSID: util.GetEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  util.GetEnv("TWILIO_AUTH_TOKEN", ""),
			From:       util.GetEnv("TWILIO_FROM_NUMBER", ""),
			WebhookURL: util.GetEnv("TWILIO_WEBHOOK_URL", ""),
		},
		LLM: LLM{
			APIKey:         util.FirstEnv("LLM_API_KEY", "TOGETHER_API_KEY", "OPENAI_API_KEY"),
			BaseURL:        util.GetEnv("LLM_BASE_URL", genai.DefaultBaseURL),
			Model:          util.GetEnv("LLM_MODEL", genai.DefaultModel),
			Temperature:    util.ParseFloatEnv("LLM_TEMPERATURE", genai.DefaultTemperature),
			MaxTokens:      util.ParseIntEnv("LLM_MAX_TOKENS", genai.DefaultMaxTokens),
			Timeout:        util.ParseDurationEnv("LLM_TIMEOUT", genai.DefaultTimeout),
			Retries:        util.ParseIntEnv("LLM_MAX_RETRIES", genai.DefaultRetries),
			Backoff:        util.ParseDurationEnv("LLM_BACKOFF", genai.DefaultBackoff),
			MaxOutputChars: util.ParseIntEnv("MAX_OUTPUT_CHARS", genai.DefaultMaxOutputChars),
			Debug:          util.ParseBoolEnv("GENAI_DEBUG", false),
		},
		RAG: RAG{
			URL:               util.GetEnv("VECTOR_STORE_URL", ""),
			APIKey:            util.GetEnv("VECTOR_STORE_API_KEY", ""),
			Tenant:            util.GetEnv("VECTOR_STORE_TENANT", retrieval.DefaultTenant),
			Database:          util.GetEnv("VECTOR_STORE_DATABASE", retrieval.DefaultDatabase),
			Collection:        util.GetEnv("VECTOR_STORE_COLLECTION", "sophia"),
			TopK:              util.ParseIntEnv("RAG_TOP_K", retrieval.DefaultTopK),
			Timeout:           util.ParseDurationEnv("RAG_TIMEOUT", retrieval.DefaultTimeout),
			MinWords:          util.ParseIntEnv("RAG_MIN_WORDS", retrieval.DefaultMinWords),
			Keywords:          util.ParseListEnv("RAG_KEYWORDS", retrieval.DefaultKeywords),
			SeverityThreshold: util.ParseFloatEnv("RAG_SEVERITY_THRESHOLD", retrieval.DefaultSeverityThreshold),
			EmbeddingModel:    util.GetEnv("RAG_EMBEDDING_MODEL", ""),
		},
		PersonaFile:         util.GetEnv("PERSONA_FILE", ""),
		DangerExtraPatterns: util.ParseListEnv("DANGER_EXTRA_PATTERNS", nil),
		AskChoice:           util.ParseBoolEnv("INTAKE_ASK_CHOICE", false),
		EmergencyTimeout:    util.ParseDurationEnv("EMERGENCY_TIMEOUT", 0),
		OperatorID:          util.GetEnv("OPERATOR_ID", ""),
		MaxStoredHistory:    util.ParseIntEnv("MAX_STORED_HISTORY", session.DefaultMaxStoredHistory),
		MaxHistoryTurns:     util.ParseIntEnv("MAX_HISTORY_TURNS", 6),
		ProactiveEnabled:    util.ParseBoolEnv("PROACTIVE_ENABLED", false),
		ProactiveTimes:      util.ParseListEnv("PROACTIVE_TIMES", scheduler.DefaultTimes),
		LogLevel:            strings.ToLower(util.GetEnv("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(util.GetEnv("LOG_FORMAT", "text")),
	}
	cfg.ApplyDefaults()

	slog.Debug("Config.Load: environment loaded",
		"state_dir", cfg.StateDir,
		"transport", cfg.Transport,
		"database_url_set", cfg.DatabaseURL != "",
		"llm_api_key_set", cfg.LLM.APIKey != "",
		"llm_model", cfg.LLM.Model,
		"rag_enabled", cfg.RAG.Enabled(),
		"proactive_enabled", cfg.ProactiveEnabled)
	return cfg
}

// ApplyDefaults fills values derived from other settings. It is safe to call
// again after flags override StateDir or DatabaseURL.
func (c *Config) ApplyDefaults() {
	if c.WhatsAppDSN == "" {
		if c.DatabaseURL != "" {
			c.WhatsAppDSN = c.DatabaseURL
		} else {
			c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}
	if c.APIAddr == "" {
		c.APIAddr = ":8080"
	}
}

// LogLevelValue maps LogLevel to a slog level; unknown values mean Info.
func (c Config) LogLevelValue() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate reports every configuration error found.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportWhatsApp, TransportConsole:
	case TransportTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.From == "" {
			errs = append(errs, errors.New("twilio transport requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("LLM_TEMPERATURE must be within [0, 2], got %v", c.LLM.Temperature))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("LLM_MAX_TOKENS must be positive, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.Retries < 0 {
		errs = append(errs, fmt.Errorf("LLM_MAX_RETRIES must not be negative, got %d", c.LLM.Retries))
	}
	if c.RAG.TopK <= 0 {
		errs = append(errs, fmt.Errorf("RAG_TOP_K must be positive, got %d", c.RAG.TopK))
	}
	if c.MaxStoredHistory <= 0 || c.MaxHistoryTurns <= 0 {
		errs = append(errs, errors.New("MAX_STORED_HISTORY and MAX_HISTORY_TURNS must be positive"))
	}
	if c.EmergencyTimeout < 0 {
		errs = append(errs, errors.New("EMERGENCY_TIMEOUT must not be negative"))
	}
	if c.ProactiveEnabled {
		if _, err := scheduler.ParseTimes(c.ProactiveTimes); err != nil {
			errs = append(errs, fmt.Errorf("PROACTIVE_TIMES: %w", err))
		}
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// DispatcherOptions returns the dispatcher options implied by the configuration.
func (c Config) DispatcherOptions() []messaging.DispatcherOption {
	// A turn may run every LLM attempt plus one retrieval call.
	turn := time.Duration(c.LLM.Retries+1)*(c.LLM.Timeout+c.LLM.Backoff) + c.RAG.Timeout + time.Minute
	return []messaging.DispatcherOption{messaging.WithTurnTimeout(turn)}
}
