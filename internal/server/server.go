// Package server wires the monitoring pipeline behind the HTTP API: event
// ingress, session queries, risk assessments, webhook management, and the
// live watch stream.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/promora/proctor/internal/analysis"
	"github.com/promora/proctor/internal/audit"
	"github.com/promora/proctor/internal/config"
	"github.com/promora/proctor/internal/event"
	"github.com/promora/proctor/internal/health"
	"github.com/promora/proctor/internal/ingest"
	"github.com/promora/proctor/internal/logging"
	"github.com/promora/proctor/internal/metrics"
	"github.com/promora/proctor/internal/pagination"
	"github.com/promora/proctor/internal/ratelimit"
	"github.com/promora/proctor/internal/realtime"
	"github.com/promora/proctor/internal/sanity"
	"github.com/promora/proctor/internal/security"
	"github.com/promora/proctor/internal/sessionstore"
	"github.com/promora/proctor/internal/validation"
	"github.com/promora/proctor/internal/watcher"
	"github.com/promora/proctor/internal/webhooks"
)

const version = "0.1.0"

// List endpoints default to a page of 50 and never hand out more than 200
// items at once.
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the monitoring pipeline behind it.
type Server struct {
	cfg *config.Config

	store        sessionstore.Store
	manager      *watcher.Manager
	sweeper      *watcher.Sweeper
	extractor    *analysis.Extractor
	corpus       *analysis.Corpus
	aggregator   *sanity.Aggregator
	baseline     *sanity.BaselineWorker
	audit        audit.Store
	ingestor     *ingest.Ingestor
	bridge       *ingest.Bridge // nil unless Kafka ingress is configured
	hub          *realtime.Hub
	emitter      *webhooks.Emitter
	webhookStore webhooks.Store
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets a custom session store (for testing)
func WithStore(store sessionstore.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Database (Postgres if DATABASE_URL set, otherwise in-memory stores)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}

	// Platform session store: the HTTP API when configured, direct table
	// reads when only the database is, in-memory for development.
	if s.store == nil {
		switch {
		case cfg.StoreURL != "":
			s.store = sessionstore.NewHTTPStore(sessionstore.HTTPConfig{
				BaseURL:       cfg.StoreURL,
				APIKey:        cfg.StoreAPIKey,
				Timeout:       cfg.StoreTimeout,
				StatusTimeout: cfg.StoreStatusTimeout,
			})
			s.logger.Info("session store: platform API", "url", cfg.StoreURL)
		case s.db != nil:
			s.store = sessionstore.NewPostgresStore(s.db)
			s.logger.Info("session store: direct database reads")
		default:
			s.store = sessionstore.NewMemoryStore()
			s.logger.Warn("session store: in-memory (development only)")
		}
	}

	// Audit trail, webhook subscriptions, and learned baselines follow the
	// database.
	var baselineStore sanity.BaselineStore
	if s.db != nil {
		s.audit = audit.NewPostgresStore(s.db)
		s.webhookStore = webhooks.NewPostgresStore(s.db)
		baselineStore = sanity.NewPostgresBaselineStore(s.db)
	} else {
		s.audit = audit.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		baselineStore = sanity.NewMemoryBaselineStore()
	}

	s.extractor = analysis.NewExtractor(cfg.ShingleSize, nil)

	if cfg.AnswerCorpusPath != "" {
		corpus, err := analysis.LoadCorpus(cfg.AnswerCorpusPath, cfg.ShingleSize)
		if err != nil {
			s.logger.Warn("answer corpus not loaded", "path", cfg.AnswerCorpusPath, "error", err)
		} else {
			s.corpus = corpus
			s.logger.Info("answer corpus loaded", "path", cfg.AnswerCorpusPath, "entries", corpus.Size())
		}
	}

	s.hub = realtime.NewHub(s.logger).WithMaxClients(cfg.WSMaxClients)
	s.emitter = webhooks.NewEmitter(webhooks.NewDispatcher(s.webhookStore, s.logger), s.logger)

	s.aggregator = sanity.New(sanityConfig(cfg), s.logger).WithRecorder(s.audit)

	s.manager = watcher.New(watcherConfig(cfg), s.store, s.extractor, s.logger).
		WithNotifier(&monitorNotifier{hub: s.hub, emitter: s.emitter}).
		WithRecorder(s.audit)
	if s.corpus != nil {
		s.manager.WithCorpus(s.corpus)
	}

	s.sweeper = watcher.NewSweeper(s.manager, s.logger)
	s.baseline = sanity.NewBaselineWorker(s.audit, baselineStore, s.aggregator, s.logger).
		WithInterval(cfg.BaselineInterval)
	s.ingestor = ingest.New(s.manager, s.logger)

	if len(cfg.KafkaBrokers) > 0 {
		s.bridge = ingest.NewBridge(ingest.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		}, s.ingestor, s.logger)
		s.logger.Info("event bus consumer enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	s.registerChecks()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// watcherConfig maps the flat service configuration onto the watcher's
// threshold set.
func watcherConfig(cfg *config.Config) watcher.Config {
	return watcher.Config{
		QueueDepth:     cfg.QueueDepth,
		LatenessWindow: cfg.LatenessWindow,
		IdleAfter:      cfg.IdleAfter,
		EvictAfter:     cfg.EvictAfter,
		SweepInterval:  cfg.SweepInterval,
		SeverityWeight: cfg.SeverityWeight,
		MaxEventDelta:  cfg.MaxEventDelta,

		RapidPasteMinDelta:  cfg.RapidPasteMinDelta,
		RapidPasteMaxGap:    cfg.RapidPasteMaxGap,
		RapidPasteMaxDelta:  cfg.RapidPasteMaxDelta,
		IdleBurstWindow:     cfg.IdleBurstWindow,
		IdleBurstMinDelta:   cfg.IdleBurstMinDelta,
		AIRateWindow:        cfg.AIRateWindow,
		AIRateMax:           cfg.AIRateMax,
		ForbiddenCommands:   cfg.ForbiddenCommands,
		ForbiddenSeverity:   cfg.ForbiddenSeverity,
		CorpusOverlap:       cfg.CorpusOverlap,
		SnapshotReplaceRate: cfg.SnapshotReplaceRate,

		ClassifyLow:    cfg.ClassifyLow,
		ClassifyMedium: cfg.ClassifyMedium,
		ClassifyHigh:   cfg.ClassifyHigh,
	}
}

// sanityConfig maps the service configuration onto the aggregator's
// thresholds. Fields without a configuration knob keep their defaults.
func sanityConfig(cfg *config.Config) sanity.Config {
	return sanity.Config{
		ClassifyLow:    cfg.ClassifyLow,
		ClassifyMedium: cfg.ClassifyMedium,
		ClassifyHigh:   cfg.ClassifyHigh,

		ExpectedMinEvents: cfg.ExpectedMinEvents,
		MinConfidence:     cfg.MinConfidence,
		AnomalyL1:         cfg.BaselineDistance,
	}
}

// registerChecks wires the health registry to the subsystems readiness
// depends on.
func (s *Server) registerChecks() {
	s.checks.Register("store", func(ctx context.Context) health.Status {
		// Unknown sessions read as inactive; only transport failures count.
		if _, err := s.store.IsSessionActive(ctx, "healthcheck"); err != nil {
			return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "store", Healthy: true}
	})

	s.checks.Register("sweeper", func(ctx context.Context) health.Status {
		if !s.sweeper.Running() {
			return health.Status{Name: "sweeper", Healthy: false, Detail: "sweep loop not running"}
		}
		return health.Status{Name: "sweeper", Healthy: true}
	})

	s.checks.Register("hub", func(ctx context.Context) health.Status {
		if !s.hub.Healthy() {
			return health.Status{Name: "hub", Healthy: false, Detail: "hub loop not running"}
		}
		return health.Status{Name: "hub", Healthy: true}
	})

	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	if s.bridge != nil {
		s.checks.Register("kafka", func(ctx context.Context) health.Status {
			if !s.bridge.Running() {
				return health.Status{Name: "kafka", Healthy: false, Detail: "consume loop not running"}
			}
			return health.Status{Name: "kafka", Healthy: true}
		})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for the review dashboard - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// apiKeyMiddleware guards mutating routes with the configured static key.
// Installed only when API_KEY is set.
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				key = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid API key required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/version", s.versionHandler)

	// WebSocket for the live watch stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.SessionParamMiddleware())

	// READ ROUTES (no auth required)
	v1.GET("/sessions/:id", s.getSession)
	v1.GET("/sessions/:id/violations", s.listViolations)
	v1.GET("/sessions/:id/watch", s.watchSession)
	v1.GET("/sessions/:id/assessment", s.getAssessment)
	v1.GET("/sessions/:id/timeline", s.getTimeline)
	v1.GET("/sessions/:id/metrics", s.getSessionMetrics)

	// PROTECTED ROUTES (require the static API key when one is configured)
	protected := v1.Group("")
	if s.cfg.APIKey != "" {
		protected.Use(s.apiKeyMiddleware())
	}
	{
		protected.POST("/sessions/:id/events", s.postEvent)
		protected.POST("/sessions/:id/sanity", s.runSanityChecks)
		protected.POST("/sessions/:id/close", s.closeSession)
		protected.POST("/analysis", s.runAnalysis)

		// Webhook subscription management
		webhookHandler := webhooks.NewHandler(s.webhookStore)
		if s.cfg.WebhookSecret != "" {
			webhookHandler = webhookHandler.WithDefaultSecret(s.cfg.WebhookSecret)
		}
		webhookHandler.RegisterRoutes(protected)
	}
}

// -----------------------------------------------------------------------------
// Ingress
// -----------------------------------------------------------------------------

// postEvent accepts one raw event for a session. The watcher applies it
// asynchronously; 202 means accepted, not yet evaluated.
func (s *Server) postEvent(c *gin.Context) {
	var raw event.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_event",
			"message": err.Error(),
		})
		return
	}

	id := c.Param("id")
	if raw.SessionID != id {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "session_mismatch",
			"message": "body sessionId does not match the URL",
		})
		return
	}

	err := s.ingestor.Ingest(c.Request.Context(), raw)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "sessionId": id})
	case event.IsMalformed(err):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_event",
			"message": err.Error(),
		})
	case errors.Is(err, watcher.ErrBackpressure):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{
			"error":   "backpressure",
			"message": "session queue full, retry shortly",
		})
	case errors.Is(err, watcher.ErrSessionClosed):
		c.JSON(http.StatusGone, gin.H{
			"error":   "session_closed",
			"message": "session no longer accepts events",
		})
	default:
		logging.L(c.Request.Context()).Error("event ingest failed", "sessionId", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ingest_failed",
			"message": "could not apply event",
		})
	}
}

// -----------------------------------------------------------------------------
// Session queries
// -----------------------------------------------------------------------------

func (s *Server) getSession(c *gin.Context) {
	snap, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// listViolations returns the session's violations newest-first with cursor
// pagination.
func (s *Server) listViolations(c *gin.Context) {
	limit, ok := s.pageLimit(c)
	if !ok {
		return
	}
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}

	snap, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}

	vios := snap.Violations
	sort.SliceStable(vios, func(i, j int) bool {
		if !vios[i].DetectedAt.Equal(vios[j].DetectedAt) {
			return vios[i].DetectedAt.After(vios[j].DetectedAt)
		}
		return vios[i].ID < vios[j].ID
	})

	// Resume strictly after the cursor position in the newest-first order.
	if cur != nil {
		start := len(vios)
		for i, v := range vios {
			if v.DetectedAt.Before(cur.Timestamp) ||
				(v.DetectedAt.Equal(cur.Timestamp) && v.ID > cur.ID) {
				start = i
				break
			}
		}
		vios = vios[start:]
	}
	if len(vios) > limit+1 {
		vios = vios[:limit+1]
	}

	page, next, more := pagination.ComputePage(vios, limit, func(v watcher.Violation) (time.Time, string) {
		return v.DetectedAt, v.ID
	})
	if page == nil {
		page = []watcher.Violation{}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":  snap.SessionID,
		"violations": page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// watchSession returns a one-shot watch report. File-operation and terminal
// summaries are included only when asked for, mirroring the MCP watch tool.
func (s *Server) watchSession(c *gin.Context) {
	snap, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}

	vios := snap.Violations
	if vios == nil {
		vios = []watcher.Violation{}
	}
	alerts := snap.Alerts
	if alerts == nil {
		alerts = []watcher.Alert{}
	}

	report := gin.H{
		"sessionId":      snap.SessionID,
		"status":         snap.Status,
		"riskScore":      snap.RiskScore,
		"violations":     vios,
		"alerts":         alerts,
		"eventsObserved": snap.EventsObserved,
		"lastEventAt":    snap.LastEventAt,
	}
	if c.Query("includeFileOperations") == "true" {
		report["fileOperations"] = gin.H{
			"count":        snap.EventCounts[event.TypeFileOp],
			"modifyEvents": snap.ModifyEvents,
			"pasteEvents":  snap.PasteEvents,
		}
	}
	if c.Query("includeTerminalEvents") == "true" {
		report["terminalEvents"] = gin.H{
			"count": snap.EventCounts[event.TypeTerminal],
		}
	}

	c.JSON(http.StatusOK, report)
}

// getAssessment evaluates the session as it stands. ?replay=true re-syncs
// from the store first so the verdict covers events the monitor missed.
func (s *Server) getAssessment(c *gin.Context) {
	id := c.Param("id")

	var (
		snap *watcher.SessionSnapshot
		err  error
	)
	if c.Query("replay") == "true" {
		snap, err = s.manager.Replay(c.Request.Context(), id)
	} else {
		snap, err = s.manager.Get(c.Request.Context(), id)
	}
	if err != nil {
		s.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.aggregator.Assess(snap))
}

// getTimeline merges raw events, violations, and assessments into one
// time-sorted feed, newest first.
func (s *Server) getTimeline(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	limit, ok := s.pageLimit(c)
	if !ok {
		return
	}

	var items []TimelineItem

	// Raw events come straight from the platform store.
	raws, err := s.store.GetEvents(ctx, id, time.Time{})
	if err == nil {
		for _, raw := range raws {
			ev, err := event.Normalize(raw)
			if err != nil {
				continue
			}
			items = append(items, TimelineItem{Type: "event", Timestamp: ev.Timestamp, Data: ev})
		}
	}

	vios, err := s.audit.ListViolations(ctx, id, limit)
	if err == nil {
		for _, v := range vios {
			items = append(items, TimelineItem{Type: "violation", Timestamp: v.DetectedAt, Data: v})
		}
	}

	asmts, err := s.audit.ListAssessments(ctx, id, limit)
	if err == nil {
		for _, a := range asmts {
			items = append(items, TimelineItem{Type: "assessment", Timestamp: a.EvaluatedAt, Data: a})
		}
	}

	// Sort by timestamp descending
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	if items == nil {
		items = []TimelineItem{}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": id,
		"timeline":  items,
		"count":     len(items),
	})
}

// TimelineItem is one entry in the merged session feed.
type TimelineItem struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// getSessionMetrics reports the session's event mix.
func (s *Server) getSessionMetrics(c *gin.Context) {
	snap, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":        snap.SessionID,
		"eventsObserved":   snap.EventsObserved,
		"eventCounts":      snap.EventCounts,
		"promptCount":      snap.PromptCount,
		"responseCount":    snap.ResponseCount,
		"promptCategories": snap.PromptCategories,
		"modifyEvents":     snap.ModifyEvents,
		"pasteEvents":      snap.PasteEvents,
		"snapshotCount":    snap.SnapshotCount,
		"lateEvents":       snap.LateEvents,
		"meanEventGapMs":   snap.MeanEventGap.Milliseconds(),
		"riskScore":        snap.RiskScore,
	})
}

// -----------------------------------------------------------------------------
// Assessment operations
// -----------------------------------------------------------------------------

type sanityRequest struct {
	Events []event.RawEvent `json:"events"`
}

// runSanityChecks re-derives a verdict from raw events: the caller's when
// the body carries them, the store's full history otherwise. Live session
// state is never touched.
func (s *Server) runSanityChecks(c *gin.Context) {
	id := c.Param("id")

	var req sanityRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
	}

	var events []event.Event
	if len(req.Events) > 0 {
		events = make([]event.Event, 0, len(req.Events))
		for i, raw := range req.Events {
			if raw.SessionID == "" {
				raw.SessionID = id
			}
			ev, err := event.Normalize(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "malformed_event",
					"message": fmt.Sprintf("events[%d]: %v", i, err),
				})
				return
			}
			events = append(events, ev)
		}
	} else {
		raws, err := s.store.GetEvents(c.Request.Context(), id, time.Time{})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "store_unavailable",
				"message": "session store unreachable",
			})
			return
		}
		for _, raw := range raws {
			ev, err := event.Normalize(raw)
			if err != nil {
				// Malformed history is skipped the same way replay skips it.
				continue
			}
			events = append(events, ev)
		}
	}

	snap := s.manager.Evaluate(id, events)
	assessment := s.aggregator.Assess(snap)
	s.emitter.EmitAssessmentCompleted(assessment)

	c.JSON(http.StatusOK, assessment)
}

// closeSession drains the session's queued events, seals it, and returns
// the final state with its assessment.
func (s *Server) closeSession(c *gin.Context) {
	id := c.Param("id")

	snap, err := s.manager.Close(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, watcher.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "no such session",
			})
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":   "close_timeout",
				"message": "session did not drain in time",
			})
		default:
			logging.L(c.Request.Context()).Error("session close failed", "sessionId", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "close_failed",
				"message": "could not close session",
			})
		}
		return
	}

	assessment := s.aggregator.Assess(snap)
	s.emitter.EmitAssessmentCompleted(assessment)

	c.JSON(http.StatusOK, gin.H{
		"session":    snap,
		"assessment": assessment,
	})
}

type analysisRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

// runAnalysis extracts features from a code sample. When no code is supplied
// the session's newest snapshot is analyzed instead. Stateless: nothing is
// recorded against the session.
func (s *Server) runAnalysis(c *gin.Context) {
	var req analysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.SessionID != "" && !validation.IsValidSessionID(req.SessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session_id",
			"message": "session id must be 1-64 characters of [A-Za-z0-9_-]",
		})
		return
	}

	code := req.Code
	if code == "" {
		if req.SessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "either code or sessionId is required",
			})
			return
		}
		var err error
		code, err = s.latestSnapshotCode(c.Request.Context(), req.SessionID)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "store_unavailable",
				"message": "session store unreachable",
			})
			return
		}
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "no_code",
				"message": "no code provided and the session has no snapshots",
			})
			return
		}
	}
	if len(code) > validation.MaxCodeSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "code_too_large",
			"message": "code exceeds the analysis size limit",
		})
		return
	}

	fs := s.extractor.Extract(code)

	matches := fs.RuleMatches
	if matches == nil {
		matches = []analysis.RuleMatch{}
	}
	features := gin.H{
		"tokenCount":   fs.TokenCount,
		"fingerprints": fs.Fingerprints.Len(),
	}
	if s.corpus != nil {
		name, overlap := s.corpus.BestOverlap(fs.Fingerprints)
		features["corpusOverlap"] = overlap
		if name != "" {
			features["nearestCorpusEntry"] = name
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":      req.SessionID,
		"features":       features,
		"qualityMetrics": fs.Quality,
		"patternMatches": matches,
	})
}

// latestSnapshotCode returns the content of the newest snapshot in the
// session's history, or "" when there is none worth analyzing.
func (s *Server) latestSnapshotCode(ctx context.Context, sessionID string) (string, error) {
	raws, err := s.store.GetEvents(ctx, sessionID, time.Time{})
	if err != nil {
		return "", err
	}

	var (
		code   string
		codeAt time.Time
	)
	for _, raw := range raws {
		ev, err := event.Normalize(raw)
		if err != nil || ev.Type != event.TypeSnapshot {
			continue
		}
		if p, ok := ev.Payload.(event.Snapshot); ok && !ev.Timestamp.Before(codeAt) {
			code = p.Content
			codeAt = ev.Timestamp
		}
	}
	return code, nil
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "ok"
		case st.Detail != "":
			checks[st.Name] = st.Detail
		default:
			checks[st.Name] = "unhealthy"
		}
	}

	resp := HealthResponse{
		Status:    "ok",
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	code := http.StatusOK
	if !ok || !s.healthy.Load() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "proctor",
		"version": version,
		"go":      runtime.Version(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the background pipeline, then blocks until
// a shutdown signal, a server error, or ctx cancellation.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start idle/eviction sweep
	go s.sweeper.Start(runCtx)

	// Start baseline worker
	go s.baseline.Start(runCtx)

	// Start event bus consumer
	if s.bridge != nil {
		go s.bridge.Start(runCtx)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper, workers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// New events stop flowing before anything else winds down.
	if s.bridge != nil {
		s.bridge.Stop()
		s.logger.Info("event bus consumer stopped")
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop sweeper
	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	// Stop baseline worker
	s.baseline.Stop()
	s.logger.Info("baseline worker stopped")

	// Stop session workers
	s.manager.Stop()
	s.logger.Info("watcher stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// sessionError maps watcher lookup failures onto the API's error envelope.
func (s *Server) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, watcher.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "no such session",
		})
	case errors.Is(err, sessionstore.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "session store unreachable",
		})
	default:
		logging.L(c.Request.Context()).Error("session lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "session lookup failed",
		})
	}
}

// pageLimit parses ?limit=, rejecting junk and capping the page size. The
// bool is false when a response was already written.
func (s *Server) pageLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultPageSize, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": "limit must be a positive integer",
		})
		return 0, false
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, true
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Pipeline adapters
// -----------------------------------------------------------------------------

// monitorNotifier fans watcher notifications out to the live hub and, for
// the externally interesting ones, the webhook emitter. Both sides return
// without blocking, as the Notifier contract requires.
type monitorNotifier struct {
	hub     *realtime.Hub
	emitter *webhooks.Emitter
}

var _ watcher.Notifier = (*monitorNotifier)(nil)

func (n *monitorNotifier) Notify(note watcher.Notification) {
	n.hub.Notify(note)

	switch note.Type {
	case watcher.NoteViolationRecorded:
		if note.Violation != nil {
			n.emitter.EmitViolationRecorded(*note.Violation)
		}
	case watcher.NoteAlertEscalated:
		if note.Alert != nil {
			n.emitter.EmitAlertEscalated(*note.Alert)
		}
	case watcher.NoteSessionClosed:
		n.emitter.EmitSessionClosed(note.SessionID, note.RiskScore, note.At)
	}
}
