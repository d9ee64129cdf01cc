package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/yuzuhq/line-relay/pkg/logger"
)

const defaultBaseURL = "https://api.line.me"

var ErrEmptyResponse = errors.New("provider returned no sent messages")

// APIError is a non-2xx answer from the messaging provider. The HTTP status
// is kept so callers can distinguish throttling and server errors from
// permanent rejections.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("provider api error: status=%d message=%q details=%q", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("provider api error: status=%d message=%q", e.StatusCode, e.Message)
}

// Temporary reports whether the failure class is worth retrying at all.
// Rate limits and 5xx are transient; 4xx rejections will not heal on their own.
func (e *APIError) Temporary() bool {
	return e.StatusCode == fasthttp.StatusTooManyRequests || e.StatusCode >= 500
}

// SentMessage is the provider's acknowledgement for one pushed message.
type SentMessage struct {
	ID         string `json:"id"`
	QuoteToken string `json:"quoteToken,omitempty"`
}

// Profile is the provider's view of a user who has added the bot.
type Profile struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
	Language      string `json:"language,omitempty"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

type textMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	QuoteToken string `json:"quoteToken,omitempty"`
}

type sendResponse struct {
	SentMessages []SentMessage `json:"sentMessages"`
}

type errorResponse struct {
	Message string `json:"message"`
	Details []struct {
		Message  string `json:"message"`
		Property string `json:"property"`
	} `json:"details"`
}

// ClientMetrics tracks request outcomes against the provider, exported
// through the health endpoint.
type ClientMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
}

func (m *ClientMetrics) recordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
}

func (m *ClientMetrics) recordFailure() {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Add(1)
}

func (m *ClientMetrics) AvgLatencyMs() int64 {
	total := m.SuccessfulReqs.Load()
	if total == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / total
}

type Config struct {
	BaseURL            string
	ChannelAccessToken string
	Timeout            time.Duration
	MaxConns           int
	ReadBufferSize     int
	WriteBufferSize    int
}

// Client talks to the LINE Messaging API. It performs exactly one request
// per call: retry orchestration lives in the delivery service and the sweep,
// where attempts are recorded, so the transport must not retry on its own.
type Client struct {
	config  *Config
	client  *fasthttp.Client
	metrics *ClientMetrics
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.ChannelAccessToken == "" {
		return nil, errors.New("channel access token is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	httpClient := &fasthttp.Client{
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
		ReadBufferSize:      config.ReadBufferSize,
		WriteBufferSize:     config.WriteBufferSize,
	}

	logger.Info("messaging client initialized", "base_url", config.BaseURL, "timeout", config.Timeout)

	return &Client{
		config:  config,
		client:  httpClient,
		metrics: NewClientMetrics(),
	}, nil
}

func NewClientMetrics() *ClientMetrics {
	return &ClientMetrics{}
}

// PushText sends one text message to a user.
func (c *Client) PushText(ctx context.Context, to, text string) (*SentMessage, error) {
	body, err := json.Marshal(pushRequest{
		To:       to,
		Messages: []textMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	start := time.Now()
	response, err := c.doRequest(ctx, "POST", "/v2/bot/message/push", body)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		c.metrics.recordFailure()
		return nil, err
	}
	c.metrics.recordSuccess(latency)

	var resp sendResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push response: %w", err)
	}
	if len(resp.SentMessages) == 0 {
		return nil, ErrEmptyResponse
	}

	logger.Debug("push accepted", "to", to, "provider_message_id", resp.SentMessages[0].ID, "latency_ms", latency)

	return &resp.SentMessages[0], nil
}

// ReplyText answers an incoming event using its one-shot reply token.
func (c *Client) ReplyText(ctx context.Context, replyToken, text string) (*SentMessage, error) {
	body, err := json.Marshal(replyRequest{
		ReplyToken: replyToken,
		Messages:   []textMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply request: %w", err)
	}

	start := time.Now()
	response, err := c.doRequest(ctx, "POST", "/v2/bot/message/reply", body)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		c.metrics.recordFailure()
		return nil, err
	}
	c.metrics.recordSuccess(latency)

	var resp sendResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply response: %w", err)
	}
	if len(resp.SentMessages) == 0 {
		return nil, ErrEmptyResponse
	}
	return &resp.SentMessages[0], nil
}

// GetProfile fetches the profile of a user who follows the bot.
func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	response, err := c.doRequest(ctx, "GET", "/v2/bot/profile/"+userID, nil)
	if err != nil {
		return nil, err
	}

	var profile Profile
	if err := json.Unmarshal(response, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile response: %w", err)
	}
	return &profile, nil
}

func (c *Client) Metrics() *ClientMetrics {
	return c.metrics
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.ChannelAccessToken)

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		apiErr := &APIError{StatusCode: statusCode}
		var parsed errorResponse
		if err := json.Unmarshal(resp.Body(), &parsed); err == nil {
			apiErr.Message = parsed.Message
			if len(parsed.Details) > 0 {
				apiErr.Details = parsed.Details[0].Property + ": " + parsed.Details[0].Message
			}
		} else {
			apiErr.Message = string(resp.Body())
		}
		return nil, apiErr
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}
