package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/fasthttp/router"
	"github.com/yuzuhq/line-relay/internal/model"
	xhttp "github.com/yuzuhq/line-relay/pkg/http"
	"github.com/yuzuhq/line-relay/pkg/logger"
	"github.com/yuzuhq/line-relay/pkg/prom"
)

const signatureHeader = "x-line-signature"

type EventPublisher interface {
	Publish(data []byte) (string, error)
}

// WebhookHandler is the ingest edge: verify the callback signature, fan the
// events out to the queue and answer fast. All real processing happens in
// the consumers; the platform only cares about a timely 200.
type WebhookHandler struct {
	channelSecret []byte
	publisher     EventPublisher
}

func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/webhook", h.HandleCallback)
}

func NewWebhookHandler(channelSecret string, publisher EventPublisher) *WebhookHandler {
	return &WebhookHandler{
		channelSecret: []byte(channelSecret),
		publisher:     publisher,
	}
}

func (h *WebhookHandler) HandleCallback(ctx *xhttp.RequestCtx) {
	body := ctx.PostBody()

	signature := string(ctx.Request.Header.Peek(signatureHeader))
	if !h.verifySignature(body, signature) {
		logger.Warn("Webhook signature verification failed", "remote_addr", ctx.RemoteAddr().String())
		writeError(ctx, 401, "invalid signature")
		return
	}

	var callback model.WebhookCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	published := 0
	for _, raw := range callback.Events {
		if _, err := h.publisher.Publish(raw); err != nil {
			// Keep going; the platform redelivers the whole batch on non-200,
			// and processing is idempotent per event.
			logger.Error("Failed to enqueue webhook event", "error", err)
			continue
		}
		published++
	}

	prom.IncWebhookReceived(published)
	logger.Info("Webhook callback accepted",
		"destination", callback.Destination,
		"events", len(callback.Events),
		"published", published)

	if published < len(callback.Events) {
		writeError(ctx, 500, "failed to enqueue all events")
		return
	}
	writeJSON(ctx, 200, map[string]int{"accepted": published})
}

// verifySignature checks the base64 HMAC-SHA256 of the raw body against the
// channel secret, in constant time.
func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if len(h.channelSecret) == 0 || signature == "" {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.channelSecret)
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}
