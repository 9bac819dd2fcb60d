package httpserver

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/vigil/internal/ingest"
	"github.com/tinytelemetry/vigil/internal/model"
	"github.com/tinytelemetry/vigil/internal/pipeline"
)

const (
	// DefaultAddr is the loopback API address.
	DefaultAddr = "127.0.0.1:3000"

	// DefaultMaxBodyBytes bounds one ingest request.
	DefaultMaxBodyBytes = 10 * 1024 * 1024

	defaultAlertLimit = 50
	maxAlertLimit     = 1000
	retryAfterSeconds = 1
)

// Ingester admits decoded records.
type Ingester interface {
	SubmitBatch(ctx context.Context, records []model.LogRecord) (int, error)
}

// HealthReporter exposes pipeline state to /api/health.
type HealthReporter interface {
	Health() pipeline.Health
}

// Deps are the collaborators behind the routes. Alerts, Health and Metrics
// are optional; their routes answer 404 when unset.
type Deps struct {
	Ingest  Ingester
	Alerts  model.AlertReader
	Health  HealthReporter
	Metrics http.Handler
}

// Config holds tunable parameters for the HTTP server.
type Config struct {
	MaxBodyBytes int64
}

// Server is the HTTP ingestion and read API.
type Server struct {
	addr      string
	deps      Deps
	decoder   *ingest.Decoder
	maxBody   int64
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps, conf ...Config) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	maxBody := int64(DefaultMaxBodyBytes)
	if len(conf) > 0 && conf[0].MaxBodyBytes > 0 {
		maxBody = conf[0].MaxBodyBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		decoder:   ingest.NewDecoder(),
		maxBody:   maxBody,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/v1/logs", s.handleIngest)
	r.POST("/v1/logs", s.handleOTLP)
	r.GET("/api/health", s.handleHealth)
	r.GET("/api/alerts", s.handleAlerts)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("httpserver: serve: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.cancel()
	return err
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}
	return body, true
}

// handleIngest accepts a JSON object, an array of objects, or an OTLP/JSON
// envelope, and answers 202 once every record is admitted.
func (s *Server) handleIngest(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	records, err := s.decoder.DecodeJSON(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, records)
}

// handleOTLP implements OTLP/HTTP logs for protobuf and JSON payloads.
func (s *Server) handleOTLP(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	if !strings.HasPrefix(c.ContentType(), "application/x-protobuf") {
		records, err := s.decoder.DecodeJSON(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.submit(c, records)
		return
	}

	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid OTLP protobuf payload"})
		return
	}
	s.submit(c, ingest.RecordsFromOTLP(req.GetResourceLogs(), time.Now()))
}

func (s *Server) submit(c *gin.Context, records []model.LogRecord) {
	if len(records) == 0 {
		c.JSON(http.StatusAccepted, gin.H{"accepted": 0})
		return
	}
	accepted, err := s.deps.Ingest.SubmitBatch(c.Request.Context(), records)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
	case errors.Is(err, ingest.ErrBackpressure):
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":    "ingest buffer full",
			"accepted": accepted,
			"rejected": len(records) - accepted,
		})
	case errors.Is(err, ingest.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    "pipeline draining",
			"accepted": accepted,
		})
	default:
		log.Printf("httpserver: submit: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to admit records", "accepted": accepted})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(s.startTime).String()})
		return
	}
	h := s.deps.Health.Health()
	status, code := "ok", http.StatusOK
	switch {
	case h.State != "running":
		status, code = h.State, http.StatusServiceUnavailable
	case !h.OK() || h.ArchivalDegraded:
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":   status,
		"uptime":   time.Since(s.startTime).String(),
		"pipeline": h,
	})
}

func (s *Server) handleAlerts(c *gin.Context) {
	if s.deps.Alerts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert store not configured"})
		return
	}
	limit := defaultAlertLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAlertLimit)
	}

	alerts, err := s.deps.Alerts.RecentAlerts(c.Request.Context(), limit)
	if err != nil {
		log.Printf("httpserver: recent alerts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read alerts"})
		return
	}
	total, err := s.deps.Alerts.AlertCount(c.Request.Context())
	if err != nil {
		log.Printf("httpserver: alert count: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read alerts"})
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
		"total":  total,
	})
}
