package queueservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seekhub/jobqueue/internal/queue"
	"github.com/seekhub/jobqueue/internal/queue/manager"
)

// HTTPServer provides the HTTP API for the queue service
type HTTPServer struct {
	manager *manager.Manager
	server  *http.Server
	logger  *slog.Logger
}

// PublishRequest represents a publish request
type PublishRequest struct {
	Topic        string          `json:"topic" binding:"required"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	Priority     int             `json:"priority"`
	DelaySeconds int             `json:"delay_seconds"`
	MaxRetries   int             `json:"max_retries"`
}

// PublishResponse represents a publish response
type PublishResponse struct {
	MessageID string    `json:"message_id"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskRequest represents a task-kind publish request
type TaskRequest struct {
	Data json.RawMessage `json:"data" binding:"required"`
}

// CleanupRequest represents a cleanup request
type CleanupRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// NewHTTPServer creates a new HTTP server over the queue manager. Zero
// timeouts fall back to 10s.
func NewHTTPServer(mgr *manager.Manager, host string, port int, readTimeout, writeTimeout time.Duration, gatherer prometheus.Gatherer, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	hs := &HTTPServer{
		manager: mgr,
		logger:  logger.With("component", "http_server"),
	}

	// Register routes
	api := router.Group("/api/v1/queue")
	{
		api.POST("/publish", hs.handlePublish)
		api.POST("/tasks/document-translation", hs.taskHandler(mgr.PublishDocumentTranslation, manager.TopicDocumentTranslation))
		api.POST("/tasks/text-translation", hs.taskHandler(mgr.PublishTextTranslation, manager.TopicTextTranslation))
		api.POST("/tasks/translation-improvement", hs.taskHandler(mgr.PublishTranslationImprovement, manager.TopicTranslationImprovement))
		api.GET("/stats", hs.handleStats)
		api.GET("/dead-letters", hs.handleDeadLetters)
		api.POST("/cleanup", hs.handleCleanup)
	}

	router.GET("/health", hs.handleHealth)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	hs.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	return hs
}

// Handler exposes the underlying http.Handler, mainly for tests.
func (hs *HTTPServer) Handler() http.Handler {
	return hs.server.Handler
}

// Start starts the HTTP server
func (hs *HTTPServer) Start() error {
	hs.logger.Info("Starting HTTP server", "addr", hs.server.Addr)
	if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (hs *HTTPServer) Shutdown(ctx context.Context) error {
	hs.logger.Info("Shutting down HTTP server")
	return hs.server.Shutdown(ctx)
}

// handlePublish handles message publishing
func (hs *HTTPServer) handlePublish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := queue.PublishOptions{
		Priority:     req.Priority,
		DelaySeconds: req.DelaySeconds,
		MaxRetries:   req.MaxRetries,
	}
	messageID, err := hs.manager.Publish(c.Request.Context(), req.Topic, req.Payload, opts)
	if err != nil {
		hs.logger.Error("Failed to publish message",
			"topic", req.Topic,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, PublishResponse{
		MessageID: messageID,
		Topic:     req.Topic,
		Timestamp: time.Now(),
	})
}

// taskHandler builds a handler for one task-kind publish endpoint
func (hs *HTTPServer) taskHandler(publish func(context.Context, json.RawMessage) (string, error), topic string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		messageID, err := publish(c.Request.Context(), req.Data)
		if err != nil {
			hs.logger.Error("Failed to publish task",
				"topic", topic,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, PublishResponse{
			MessageID: messageID,
			Topic:     topic,
			Timestamp: time.Now(),
		})
	}
}

// handleStats returns queue statistics, optionally filtered by topic
func (hs *HTTPServer) handleStats(c *gin.Context) {
	stats, err := hs.manager.GetStats(c.Request.Context(), c.Query("topic"))
	if err != nil {
		hs.logger.Error("Failed to collect stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleDeadLetters lists dead-letter entries, newest first
func (hs *HTTPServer) handleDeadLetters(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	entries, err := hs.manager.DeadLetters(c.Request.Context(), c.Query("topic"), limit)
	if err != nil {
		hs.logger.Error("Failed to list dead letters", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": entries, "count": len(entries)})
}

// handleCleanup removes terminal messages past the retention window
func (hs *HTTPServer) handleCleanup(c *gin.Context) {
	var req CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed, err := hs.manager.Cleanup(c.Request.Context(), req.OlderThanDays)
	if err != nil {
		hs.logger.Error("Cleanup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// handleHealth returns health status
func (hs *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"backend":   string(hs.manager.BackendType()),
	})
}
