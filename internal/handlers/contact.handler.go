package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/internal/repository"
	xhttp "github.com/yuzuhq/line-relay/pkg/http"
)

type ContactReader interface {
	GetByUserID(ctx context.Context, userID string) (*model.UserState, error)
	List(ctx context.Context, f model.UserStateFilter) ([]*model.UserState, int64, error)
}

type EventReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.Event, error)
}

// ContactHandler serves the contact-list projection and the per-user event
// log. Read only; all writes go through the webhook pipeline.
type ContactHandler struct {
	contacts ContactReader
	events   EventReader
}

func RegisterContactRoutes(e *router.Group, h *ContactHandler) {
	e.GET("/contacts", h.ListContacts)
	e.GET("/contacts/{userId}", h.GetContact)
	e.GET("/contacts/{userId}/events", h.ListContactEvents)
}

func NewContactHandler(contacts ContactReader, events EventReader) *ContactHandler {
	return &ContactHandler{
		contacts: contacts,
		events:   events,
	}
}

type contactListResponse struct {
	Items []*model.UserState `json:"items"`
	Total int64              `json:"total"`
}

type eventListResponse struct {
	Items []*model.Event `json:"items"`
}

func (h *ContactHandler) ListContacts(ctx *xhttp.RequestCtx) {
	var f model.UserStateFilter

	if v := query(ctx, "relationship"); v != "" {
		rs := model.RelationshipStatus(v)
		f.RelationshipStatus = &rs
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

	items, total, err := h.contacts.List(ctx, f)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, contactListResponse{Items: items, Total: total})
}

func (h *ContactHandler) GetContact(ctx *xhttp.RequestCtx) {
	userID, ok := ctx.UserValue("userId").(string)
	if !ok || userID == "" {
		writeError(ctx, 400, "invalid user id")
		return
	}

	state, err := h.contacts.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(ctx, 404, "contact not found")
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, state)
}

func (h *ContactHandler) ListContactEvents(ctx *xhttp.RequestCtx) {
	userID, ok := ctx.UserValue("userId").(string)
	if !ok || userID == "" {
		writeError(ctx, 400, "invalid user id")
		return
	}

	limit := 0
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			limit = n
		}
	}

	items, err := h.events.ListByUser(ctx, userID, limit)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, eventListResponse{Items: items})
}
