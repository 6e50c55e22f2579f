package e2e

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-chat/internal/client"
	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

// These tests run against a live server started with AUTH_MODE=header, e.g.
//
//	E2E_BASE_URL=http://localhost:8080 go test ./tests/e2e/...
func baseURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv("E2E_BASE_URL")
	if u == "" {
		t.Skip("E2E_BASE_URL not set")
	}
	return strings.TrimRight(u, "/")
}

type Conversation struct {
	ID           string `json:"id"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
}

type ListConversationsResponse struct {
	Conversations []entity.ConversationSummary `json:"conversations"`
	Total         int64                        `json:"total"`
	HasMore       bool                         `json:"has_more"`
}

type ListMessagesResponse struct {
	Messages   []entity.Message `json:"messages"`
	NextBefore int64            `json:"next_before"`
	HasMore    bool             `json:"has_more"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// api returns a REST client acting as userID
func api(t *testing.T, userID string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL(t)+"/api/v1").
		SetHeader("X-User-ID", userID).
		SetTimeout(10 * time.Second)
}

// uniqueUsers keeps runs against a shared server independent
func uniqueUsers() (string, string) {
	suffix := uuid.NewString()[:8]
	return "buyer-" + suffix, "seller-" + suffix
}

func startConversation(t *testing.T, from, to string) Conversation {
	t.Helper()
	var conv Conversation
	resp, err := api(t, from).R().
		SetBody(map[string]string{"other_user_id": to, "product_ref": "sku-42"}).
		SetResult(&conv).
		Post("/conversations")
	require.NoError(t, err)
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode(), resp.String())
	return conv
}

func TestE2EStartConversationIsIdempotent(t *testing.T) {
	buyer, seller := uniqueUsers()
	first := startConversation(t, buyer, seller)

	var second Conversation
	resp, err := api(t, seller).R().
		SetBody(map[string]string{"other_user_id": buyer}).
		SetResult(&second).
		Post("/conversations")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, first.ID, second.ID)
}

func TestE2ESendListAndRead(t *testing.T) {
	buyer, seller := uniqueUsers()
	conv := startConversation(t, buyer, seller)

	for _, body := range []string{"Is this still available?", "Can you ship today?"} {
		resp, err := api(t, buyer).R().
			SetBody(map[string]string{"body": body}).
			Post("/conversations/" + conv.ID + "/messages")
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode(), resp.String())
	}

	var index ListConversationsResponse
	_, err := api(t, seller).R().SetResult(&index).Get("/conversations")
	require.NoError(t, err)
	require.Len(t, index.Conversations, 1)
	assert.Equal(t, 2, index.Conversations[0].UnreadCount)
	assert.Equal(t, "Can you ship today?", index.Conversations[0].LastMessagePreview)

	var page ListMessagesResponse
	_, err = api(t, seller).R().
		SetQueryParam("limit", "1").
		SetResult(&page).
		Get("/conversations/" + conv.ID + "/messages")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(2), page.Messages[0].Seq)

	var read entity.ReadResult
	resp, err := api(t, seller).R().
		SetBody(map[string]int64{"up_to_message_id": 2}).
		SetResult(&read).
		Post("/conversations/" + conv.ID + "/read")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())
	assert.Equal(t, 2, read.Flipped)
	assert.Equal(t, 0, read.UnreadCount)
}

func TestE2EOutsiderIsRejected(t *testing.T) {
	buyer, seller := uniqueUsers()
	conv := startConversation(t, buyer, seller)

	var apiErr ErrorResponse
	resp, err := api(t, "outsider-"+uuid.NewString()[:8]).R().
		SetBody(map[string]string{"body": "hello"}).
		SetError(&apiErr).
		Post("/conversations/" + conv.ID + "/messages")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode())
	assert.Equal(t, string(entity.CodeInvalidParticipant), apiErr.Code)
}

func TestE2ERealtimeDelivery(t *testing.T) {
	buyer, seller := uniqueUsers()
	conv := startConversation(t, buyer, seller)

	wsURL := "ws" + strings.TrimPrefix(baseURL(t), "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dial := func(userID string) *client.Client {
		header := http.Header{}
		header.Set("X-User-ID", userID)
		c, err := client.Dial(ctx, wsURL, header)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		require.NoError(t, c.Subscribe(ctx))
		return c
	}
	buyerConn := dial(buyer)
	sellerConn := dial(seller)

	msg, err := buyerConn.Send(ctx, conv.ID, "Hi", "sku-42")
	require.NoError(t, err)

	for {
		select {
		case ev := <-sellerConn.Events():
			if ev.Type != string(entity.EventMessage) {
				continue
			}
			assert.Equal(t, msg.ID, ev.Message.ID)
			return
		case <-ctx.Done():
			t.Fatal("seller never received the message")
		}
	}
}
