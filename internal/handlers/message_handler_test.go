package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/yuzuhq/line-relay/internal/model"
	"github.com/yuzuhq/line-relay/internal/services"
	xhttp "github.com/yuzuhq/line-relay/pkg/http"
)

type MockDeliveryService struct {
	mock.Mock
}

func (m *MockDeliveryService) SendText(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockDeliveryService) Resend(ctx context.Context, messageID int64) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MockDeliveryService) GetMessage(ctx context.Context, messageID int64) (*model.Message, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockDeliveryService) ListMessages(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Message), args.Get(1).(int64), args.Error(2)
}

func (m *MockDeliveryService) ListAttempts(ctx context.Context, messageID int64) ([]*model.DeliveryAttempt, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.DeliveryAttempt), args.Error(1)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func TestMessageHandler_SendMessage(t *testing.T) {
	t.Run("successful send", func(t *testing.T) {
		svc := new(MockDeliveryService)
		handler := NewMessageHandler(svc)

		bodyBytes, _ := json.Marshal(sendMessageRequest{
			UserID: "U4af4980629",
			Text:   "hello",
		})

		expectedMsg := &model.Message{
			ID:        123,
			UserID:    "U4af4980629",
			Direction: model.DirectionOutgoing,
			Content:   model.TextContent("hello"),
			Status:    model.MessageStatusSent,
		}

		svc.On("SendText", mock.Anything, mock.MatchedBy(func(p model.MessageCreateRequest) bool {
			return p.UserID == "U4af4980629" && p.Text == "hello"
		})).Return(expectedMsg, nil)

		ctx := setupTestContext("POST", "/messages", bodyBytes)
		handler.SendMessage(ctx)

		assert.Equal(t, 201, ctx.Response.StatusCode())

		var response model.Message
		err := json.Unmarshal(ctx.Response.Body(), &response)
		require.NoError(t, err)
		assert.Equal(t, int64(123), response.ID)
		assert.Equal(t, model.MessageStatusSent, response.Status)

		svc.AssertExpectations(t)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		svc := new(MockDeliveryService)
		handler := NewMessageHandler(svc)

		ctx := setupTestContext("POST", "/messages", []byte("invalid json"))
		handler.SendMessage(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())

		var response map[string]string
		err := json.Unmarshal(ctx.Response.Body(), &response)
		require.NoError(t, err)
		assert.Contains(t, response["error"], "invalid JSON")
	})

	t.Run("validation error", func(t *testing.T) {
		svc := new(MockDeliveryService)
		handler := NewMessageHandler(svc)

		bodyBytes, _ := json.Marshal(sendMessageRequest{UserID: "", Text: "hello"})

		svc.On("SendText", mock.Anything, mock.Anything).Return(nil, errors.New("user_id is required"))

		ctx := setupTestContext("POST", "/messages", bodyBytes)
		handler.SendMessage(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})

	t.Run("delivery failure returns 502 with persisted message", func(t *testing.T) {
		svc := new(MockDeliveryService)
		handler := NewMessageHandler(svc)

		bodyBytes, _ := json.Marshal(sendMessageRequest{
			UserID: "U4af4980629",
			Text:   "hello",
		})

		failedMsg := &model.Message{
			ID:     77,
			UserID: "U4af4980629",
			Status: model.MessageStatusFailed,
		}
		svc.On("SendText", mock.Anything, mock.Anything).Return(failedMsg, errors.New("provider unreachable"))

		ctx := setupTestContext("POST", "/messages", bodyBytes)
		handler.SendMessage(ctx)

		assert.Equal(t, 502, ctx.Response.StatusCode())

		var response map[string]interface{}
		err := json.Unmarshal(ctx.Response.Body(), &response)
		require.NoError(t, err)
		assert.Equal(t, float64(77), response["message_id"])
		assert.Contains(t, response["error"], "provider unreachable")
	})
}

func TestMessageHandler_ResendMessage(t *testing.T) {
	run := func(svcErr error, wantStatus int) func(*testing.T) {
		return func(t *testing.T) {
			svc := new(MockDeliveryService)
			handler := NewMessageHandler(svc)

			svc.On("Resend", mock.Anything, int64(42)).Return(svcErr)

			ctx := setupTestContext("POST", "/messages/42/resend", nil)
			ctx.SetUserValue("id", "42")
			handler.ResendMessage(ctx)

			assert.Equal(t, wantStatus, ctx.Response.StatusCode())
		}
	}

	t.Run("unknown message", run(services.ErrMessageNotFound, 404))
	t.Run("incoming message", run(services.ErrNotOutgoing, 409))
	t.Run("message not failed", run(services.ErrNotFailed, 409))
	t.Run("non-text content", run(services.ErrNotTextContent, 409))
	t.Run("transport failure", run(errors.New("push failed"), 502))

	t.Run("successful resend returns updated message", func(t *testing.T) {
		svc := new(MockDeliveryService)
		handler := NewMessageHandler(svc)

		svc.On("Resend", mock.Anything, int64(42)).Return(nil)
		svc.On("GetMessage", mock.Anything, int64(42)).Return(&model.Message{
			ID:     42,
			Status: model.MessageStatusSent,
		}, nil)

		ctx := setupTestContext("POST", "/messages/42/resend", nil)
		ctx.SetUserValue("id", "42")
		handler.ResendMessage(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response model.Message
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.Equal(t, model.MessageStatusSent, response.Status)
	})

	t.Run("invalid id", func(t *testing.T) {
		svc := new(MockDeliveryService)
		handler := NewMessageHandler(svc)

		ctx := setupTestContext("POST", "/messages/abc/resend", nil)
		ctx.SetUserValue("id", "abc")
		handler.ResendMessage(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})
}

func TestMessageHandler_ListMessages_Filters(t *testing.T) {
	svc := new(MockDeliveryService)
	handler := NewMessageHandler(svc)

	svc.On("ListMessages", mock.Anything, mock.MatchedBy(func(f model.MessageFilter) bool {
		return f.UserID != nil && *f.UserID == "U1" &&
			f.Direction != nil && *f.Direction == model.DirectionOutgoing &&
			len(f.Statuses) == 2 &&
			f.Limit == 5 && f.Desc
	})).Return([]*model.Message{}, int64(0), nil)

	ctx := setupTestContext("GET", "/messages?user_id=U1&direction=outgoing&status=failed,pending&limit=5&order=desc", nil)
	handler.ListMessages(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())
	svc.AssertExpectations(t)
}

func TestMessageHandler_ListAttempts(t *testing.T) {
	svc := new(MockDeliveryService)
	handler := NewMessageHandler(svc)

	svc.On("ListAttempts", mock.Anything, int64(9)).Return([]*model.DeliveryAttempt{
		{ID: 1, MessageID: 9, Attempt: 1, Status: model.AttemptStatusFailed},
		{ID: 2, MessageID: 9, Attempt: 2, Status: model.AttemptStatusSuccess},
	}, nil)

	ctx := setupTestContext("GET", "/messages/9/attempts", nil)
	ctx.SetUserValue("id", "9")
	handler.ListAttempts(ctx)

	assert.Equal(t, 200, ctx.Response.StatusCode())

	var response attemptsResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
	require.Len(t, response.Items, 2)
	assert.Equal(t, 2, response.Items[1].Attempt)
}
