// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional; audit trail and learned baselines use in-memory stores if not set)
	DatabaseURL string

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Session Store (the platform service that owns raw event history)
	StoreURL           string
	StoreAPIKey        string
	StoreTimeout       time.Duration
	StoreStatusTimeout time.Duration

	// Kafka ingress (optional; HTTP ingestion is always available)
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	// Watcher settings
	QueueDepth     int           // per-session event queue capacity
	LatenessWindow time.Duration // reorder buffer for out-of-order arrivals
	IdleAfter      time.Duration // ACTIVE -> IDLE after this long without events
	EvictAfter     time.Duration // idle session evicted from memory after this long
	SweepInterval  time.Duration // idle/eviction sweep cadence
	SeverityWeight float64       // risk points per severity unit
	MaxEventDelta  float64       // risk point cap for a single event

	// Detector thresholds
	RapidPasteMinDelta  int           // chars; smaller edits never trigger rapid-paste
	RapidPasteMaxGap    time.Duration // max gap to previous edit on the same file
	RapidPasteMaxDelta  int           // chars; deltas at or above score max severity
	IdleBurstWindow     time.Duration // resume-to-burst window
	IdleBurstMinDelta   int           // chars
	AIRateWindow        time.Duration // ai-overuse sliding window
	AIRateMax           int           // prompts allowed per window
	ForbiddenCommands   []string      // substring denylist for terminal commands
	ForbiddenSeverity   int           // severity for denylist hits
	CorpusOverlap       float64       // fingerprint containment that flags external-copy
	SnapshotReplaceRate float64       // fraction of a snapshot replaced at once

	// Analysis settings
	ShingleSize      int
	AnswerCorpusPath string // JSON file of known-answer fingerprints (optional)

	// Sanity aggregator settings
	ClassifyLow       float64 // scores below this are "low"
	ClassifyMedium    float64 // below this, "medium"
	ClassifyHigh      float64 // below this, "high"; at or above, "critical"
	ExpectedMinEvents int     // confidence = observed / expected, capped at 1
	MinConfidence     float64 // below this the classification is insufficient-data
	BaselineDistance  float64 // L1 profile distance that annotates an anomaly
	BaselineInterval  time.Duration

	// Security
	APIKey        string // static key for mutating endpoints (optional)
	WebhookSecret string // default HMAC secret for webhook subscriptions
	RateLimitRPS  int
	WSMaxClients  int
}

// Defaults
const (
	DefaultPort            = "8090"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultStoreURL        = "http://localhost:5001"
	DefaultKafkaTopic      = "assessment.events"
	DefaultKafkaGroup      = "proctor-monitor"
	DefaultQueueDepth      = 500
	DefaultShingleSize     = 5
	DefaultAIRateMax       = 6
	DefaultRateLimit       = 100
	DefaultWSMaxClients    = 200
	DefaultExpectedMin     = 10
	DefaultForbiddenSev    = 6
	DefaultRapidPasteMin   = 200
	DefaultRapidPasteMax   = 2000
	DefaultIdleBurstDelta  = 200
	DefaultForbiddenCmds   = "curl,wget,nc,scp,pip install,pip3 install,npm install,apt-get install,apt install,brew install,git clone"
	DefaultClassifyLow     = 20
	DefaultClassifyMedium  = 50
	DefaultClassifyHigh    = 80
	DefaultMinConfidence   = 0.4
	DefaultCorpusOverlap   = 0.6
	DefaultReplaceRate     = 0.5
	DefaultBaselineDist    = 0.5
	DefaultSeverityWeight  = 3.0
	DefaultMaxEventDelta   = 25
	DefaultLatenessWindow  = 3 * time.Second
	DefaultIdleAfter       = 60 * time.Second
	DefaultEvictAfter      = 30 * time.Minute
	DefaultSweepInterval   = time.Minute
	DefaultRapidPasteGap   = 2 * time.Second
	DefaultIdleBurstWindow = 10 * time.Second
	DefaultAIRateWindow    = 60 * time.Second
	DefaultStoreTimeout    = 10 * time.Second
	DefaultStatusTimeout   = 5 * time.Second
	DefaultBaselineEvery   = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		StoreURL:           getEnv("STORE_URL", DefaultStoreURL),
		StoreAPIKey:        os.Getenv("STORE_API_KEY"),
		StoreTimeout:       getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		StoreStatusTimeout: getEnvDuration("STORE_STATUS_TIMEOUT", DefaultStatusTimeout),

		KafkaBrokers: getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		KafkaGroup:   getEnv("KAFKA_GROUP", DefaultKafkaGroup),

		QueueDepth:     getEnvInt("SESSION_QUEUE_DEPTH", DefaultQueueDepth),
		LatenessWindow: getEnvDuration("LATENESS_WINDOW", DefaultLatenessWindow),
		IdleAfter:      getEnvDuration("SESSION_IDLE_AFTER", DefaultIdleAfter),
		EvictAfter:     getEnvDuration("SESSION_EVICT_AFTER", DefaultEvictAfter),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SeverityWeight: getEnvFloat("SEVERITY_WEIGHT", DefaultSeverityWeight),
		MaxEventDelta:  getEnvFloat("MAX_EVENT_RISK_DELTA", DefaultMaxEventDelta),

		RapidPasteMinDelta:  getEnvInt("RAPID_PASTE_MIN_DELTA", DefaultRapidPasteMin),
		RapidPasteMaxGap:    getEnvDuration("RAPID_PASTE_MAX_GAP", DefaultRapidPasteGap),
		RapidPasteMaxDelta:  getEnvInt("RAPID_PASTE_MAX_DELTA", DefaultRapidPasteMax),
		IdleBurstWindow:     getEnvDuration("IDLE_BURST_WINDOW", DefaultIdleBurstWindow),
		IdleBurstMinDelta:   getEnvInt("IDLE_BURST_MIN_DELTA", DefaultIdleBurstDelta),
		AIRateWindow:        getEnvDuration("AI_RATE_WINDOW", DefaultAIRateWindow),
		AIRateMax:           getEnvInt("AI_RATE_MAX", DefaultAIRateMax),
		ForbiddenCommands:   getEnvList("FORBIDDEN_COMMANDS", strings.Split(DefaultForbiddenCmds, ",")),
		ForbiddenSeverity:   getEnvInt("FORBIDDEN_COMMAND_SEVERITY", DefaultForbiddenSev),
		CorpusOverlap:       getEnvFloat("CORPUS_OVERLAP_THRESHOLD", DefaultCorpusOverlap),
		SnapshotReplaceRate: getEnvFloat("SNAPSHOT_REPLACE_RATE", DefaultReplaceRate),

		ShingleSize:      getEnvInt("SHINGLE_SIZE", DefaultShingleSize),
		AnswerCorpusPath: os.Getenv("ANSWER_CORPUS_PATH"),

		ClassifyLow:       getEnvFloat("CLASSIFY_LOW", DefaultClassifyLow),
		ClassifyMedium:    getEnvFloat("CLASSIFY_MEDIUM", DefaultClassifyMedium),
		ClassifyHigh:      getEnvFloat("CLASSIFY_HIGH", DefaultClassifyHigh),
		ExpectedMinEvents: getEnvInt("EXPECTED_MIN_EVENTS", DefaultExpectedMin),
		MinConfidence:     getEnvFloat("MIN_CONFIDENCE", DefaultMinConfidence),
		BaselineDistance:  getEnvFloat("BASELINE_DISTANCE", DefaultBaselineDist),
		BaselineInterval:  getEnvDuration("BASELINE_INTERVAL", DefaultBaselineEvery),

		APIKey:        os.Getenv("API_KEY"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:  getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
		WSMaxClients:  getEnvInt("WS_MAX_CLIENTS", DefaultWSMaxClients),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.QueueDepth <= 0 {
		return fmt.Errorf("SESSION_QUEUE_DEPTH must be positive")
	}
	if c.SeverityWeight <= 0 {
		return fmt.Errorf("SEVERITY_WEIGHT must be positive")
	}
	if c.MaxEventDelta <= 0 || c.MaxEventDelta > 100 {
		return fmt.Errorf("MAX_EVENT_RISK_DELTA must be in (0,100]")
	}
	if !(c.ClassifyLow < c.ClassifyMedium && c.ClassifyMedium < c.ClassifyHigh) {
		return fmt.Errorf("classification cutoffs must be strictly increasing (low < medium < high)")
	}
	if c.ClassifyHigh > 100 {
		return fmt.Errorf("CLASSIFY_HIGH must not exceed 100")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("MIN_CONFIDENCE must be in [0,1]")
	}
	if c.ExpectedMinEvents <= 0 {
		return fmt.Errorf("EXPECTED_MIN_EVENTS must be positive")
	}
	if c.ShingleSize < 2 {
		return fmt.Errorf("SHINGLE_SIZE must be at least 2")
	}
	if c.LatenessWindow < 0 {
		return fmt.Errorf("LATENESS_WINDOW must not be negative")
	}
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
