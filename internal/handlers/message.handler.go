package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/internal/services"
	xhttp "github.com/yuzuhq/line-relay/pkg/http"
)

type DeliveryAPI interface {
	SendText(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error)
	Resend(ctx context.Context, messageID int64) error
	GetMessage(ctx context.Context, messageID int64) (*model.Message, error)
	ListMessages(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error)
	ListAttempts(ctx context.Context, messageID int64) ([]*model.DeliveryAttempt, error)
}

type MessageHandler struct {
	svc DeliveryAPI
}

func RegisterMessageRoutes(e *router.Group, h *MessageHandler) {
	e.POST("/messages", h.SendMessage)
	e.POST("/messages/{id}/resend", h.ResendMessage)
	e.GET("/messages", h.ListMessages)
	e.GET("/messages/{id}", h.GetMessage)
	e.GET("/messages/{id}/attempts", h.ListAttempts)
}

func NewMessageHandler(svc DeliveryAPI) *MessageHandler {
	return &MessageHandler{
		svc: svc,
	}
}

type sendMessageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type listResponse struct {
	Items []*model.Message `json:"items"`
	Total int64            `json:"total"`
}

type attemptsResponse struct {
	Items []*model.DeliveryAttempt `json:"items"`
}

/* --------------------------------- Routes ----------------------------------- */

// SendMessage creates an outgoing text message and delivers it synchronously.
// On transport failure the message is persisted as failed and the response is
// 502 so the caller knows this specific send did not go through.
func (h *MessageHandler) SendMessage(ctx *xhttp.RequestCtx) {
	var req sendMessageRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	p := model.MessageCreateRequest{
		UserID: req.UserID,
		Text:   req.Text,
	}

	msg, err := h.svc.SendText(ctx, p)
	if err != nil {
		if msg != nil {
			// Persisted but not delivered; the sweep will retry it.
			writeJSON(ctx, 502, map[string]interface{}{
				"error":      err.Error(),
				"message_id": msg.ID,
				"status":     msg.Status,
			})
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 201, msg)
}

func (h *MessageHandler) ResendMessage(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid message id")
		return
	}

	if err := h.svc.Resend(ctx, id); err != nil {
		switch {
		case errors.Is(err, services.ErrMessageNotFound):
			writeError(ctx, 404, err.Error())
		case errors.Is(err, services.ErrNotOutgoing),
			errors.Is(err, services.ErrNotFailed),
			errors.Is(err, services.ErrNotTextContent):
			writeError(ctx, 409, err.Error())
		default:
			writeJSON(ctx, 502, map[string]interface{}{
				"error":      err.Error(),
				"message_id": id,
			})
		}
		return
	}

	msg, err := h.svc.GetMessage(ctx, id)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, msg)
}

func (h *MessageHandler) GetMessage(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid message id")
		return
	}

	msg, err := h.svc.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrMessageNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, msg)
}

func (h *MessageHandler) ListMessages(ctx *xhttp.RequestCtx) {
	var f model.MessageFilter

	if v := query(ctx, "user_id"); v != "" {
		f.UserID = &v
	}
	if v := query(ctx, "direction"); v != "" {
		d := model.Direction(v)
		f.Direction = &d
	}
	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.MessageStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.ListMessages(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listResponse{Items: items, Total: total})
}

func (h *MessageHandler) ListAttempts(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid message id")
		return
	}

	items, err := h.svc.ListAttempts(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrMessageNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, attemptsResponse{Items: items})
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, ok := ctx.UserValue(name).(string)
	if !ok {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(v, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
