package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mock LINE Messaging API server for local development and load testing.
// Speaks just enough of the push/reply/profile surface for the relay to run
// against, with a configurable failure rate to exercise the retry path.

type textMessage struct {
	Type string `json:"type" binding:"required"`
	Text string `json:"text"`
}

type pushRequest struct {
	To       string        `json:"to" binding:"required"`
	Messages []textMessage `json:"messages" binding:"required"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken" binding:"required"`
	Messages   []textMessage `json:"messages" binding:"required"`
}

type sentMessage struct {
	ID         string `json:"id"`
	QuoteToken string `json:"quoteToken,omitempty"`
}

type sendResponse struct {
	SentMessages []sentMessage `json:"sentMessages"`
}

type errorResponse struct {
	Message string `json:"message"`
	Details []struct {
		Message  string `json:"message"`
		Property string `json:"property"`
	} `json:"details,omitempty"`
}

type profileResponse struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl"`
	StatusMessage string `json:"statusMessage"`
	Language      string `json:"language"`
}

// MockPlatform simulates the messaging platform's delivery behavior.
type MockPlatform struct {
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	token       string
	rng         *rand.Rand
}

func NewMockPlatform(successRate float64, minDelay, maxDelay time.Duration, token string) *MockPlatform {
	return &MockPlatform{
		successRate: successRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		token:       token,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockPlatform) randomDelay() time.Duration {
	if m.maxDelay <= m.minDelay {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(m.maxDelay-m.minDelay)))
}

func (m *MockPlatform) shouldSucceed() bool {
	return m.rng.Float64() < m.successRate
}

// randomFailure mimics the platform's transient error shapes.
func (m *MockPlatform) randomFailure() (int, errorResponse) {
	if m.rng.Float64() < 0.3 {
		return http.StatusTooManyRequests, errorResponse{Message: "You have reached your monthly limit."}
	}
	return http.StatusInternalServerError, errorResponse{Message: "Internal server error."}
}

type Handler struct {
	platform *MockPlatform
}

func NewHandler(platform *MockPlatform) *Handler {
	return &Handler{platform: platform}
}

func (h *Handler) authorized(c *gin.Context) bool {
	if h.platform.token == "" {
		return true
	}
	auth := c.GetHeader("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == h.platform.token
}

func (h *Handler) PushMessage(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, errorResponse{Message: "Authentication failed."})
		return
	}

	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "The request body has 1 error(s): " + err.Error()})
		return
	}

	time.Sleep(h.platform.randomDelay())

	if !h.platform.shouldSucceed() {
		status, body := h.platform.randomFailure()
		log.Warn().
			Str("to", req.To).
			Int("status", status).
			Msg("Push rejected")
		c.JSON(status, body)
		return
	}

	resp := sendResponse{}
	for range req.Messages {
		resp.SentMessages = append(resp.SentMessages, sentMessage{
			ID:         uuid.NewString(),
			QuoteToken: uuid.NewString(),
		})
	}

	log.Info().
		Str("to", req.To).
		Int("messages", len(req.Messages)).
		Msg("Push delivered")
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ReplyMessage(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, errorResponse{Message: "Authentication failed."})
		return
	}

	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "The request body has 1 error(s): " + err.Error()})
		return
	}

	time.Sleep(h.platform.randomDelay())

	if !h.platform.shouldSucceed() {
		status, body := h.platform.randomFailure()
		c.JSON(status, body)
		return
	}

	resp := sendResponse{}
	for range req.Messages {
		resp.SentMessages = append(resp.SentMessages, sentMessage{ID: uuid.NewString()})
	}
	log.Info().
		Str("reply_token", req.ReplyToken).
		Int("messages", len(req.Messages)).
		Msg("Reply delivered")
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetProfile(c *gin.Context) {
	if !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, errorResponse{Message: "Authentication failed."})
		return
	}

	userID := c.Param("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "userId is required"})
		return
	}

	if !h.platform.shouldSucceed() {
		c.JSON(http.StatusNotFound, errorResponse{Message: "Not found"})
		return
	}

	c.JSON(http.StatusOK, profileResponse{
		UserID:        userID,
		DisplayName:   "Mock User " + userID[len(userID)-minInt(4, len(userID)):],
		PictureURL:    "https://profile.example.com/" + userID + ".jpg",
		StatusMessage: "testing the relay",
		Language:      "ja",
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"success_rate": h.platform.successRate,
		"timestamp":    time.Now(),
	})
}

// UpdateConfig changes the simulated success rate at runtime, so the retry
// sweep can be demoed by flipping the platform between broken and healthy.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		SuccessRate *float64 `json:"success_rate"`
	}
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request: " + err.Error()})
		return
	}

	if config.SuccessRate != nil && *config.SuccessRate >= 0 && *config.SuccessRate <= 1.0 {
		h.platform.successRate = *config.SuccessRate
		log.Info().Float64("rate", *config.SuccessRate).Msg("Updated success rate")
	}
	c.JSON(http.StatusOK, gin.H{"success_rate": h.platform.successRate})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	bot := router.Group("/v2/bot")
	{
		bot.POST("/message/push", handler.PushMessage)
		bot.POST("/message/reply", handler.ReplyMessage)
		bot.GET("/profile/:userId", handler.GetProfile)
	}

	router.GET("/health", handler.HealthCheck)
	router.PUT("/config", handler.UpdateConfig)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8082")
	successRate := getEnvFloat("SUCCESS_RATE", 1)
	minDelay := getEnvDuration("MIN_DELAY", 50*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 500*time.Millisecond)
	token := getEnv("CHANNEL_ACCESS_TOKEN", "")

	log.Info().
		Str("port", port).
		Float64("success_rate", successRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting mock messaging platform")

	platform := NewMockPlatform(successRate, minDelay, maxDelay, token)
	handler := NewHandler(platform)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
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
