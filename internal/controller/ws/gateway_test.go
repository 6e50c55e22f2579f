package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-chat/internal/domain/chat/dao"
	"github.com/vadim/neo-chat/internal/domain/chat/entity"
	"github.com/vadim/neo-chat/internal/domain/chat/policy"
	"github.com/vadim/neo-chat/internal/domain/chat/service"
	"github.com/vadim/neo-chat/internal/httpx/auth"
	"github.com/vadim/neo-chat/internal/realtime"
)

type harness struct {
	t        *testing.T
	url      string
	svc      *service.Service
	registry *realtime.Registry
	router   *realtime.Router
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := dao.NewMemory()
	registry := realtime.NewRegistry(logger)
	router := realtime.NewRouter(realtime.NewDispatcher(registry, logger), logger)
	svc := service.New(store, store, store, router, logger)
	p := policy.New(svc, policy.Config{}, logger)

	r := chi.NewRouter()
	New(p, registry, auth.NewHeaderAuthenticator("X-User-ID"), cfg, logger).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = router.Close(context.Background())
	})

	return &harness{
		t:        t,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		svc:      svc,
		registry: registry,
		router:   router,
	}
}

func (h *harness) dial(userID string) *websocket.Conn {
	h.t.Helper()
	header := http.Header{}
	header.Set("X-User-ID", userID)
	conn, _, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })

	hello := h.read(conn)
	require.Equal(h.t, realtime.FrameConnected, hello.Type)
	require.NotEmpty(h.t, hello.ConnectionID)
	return conn
}

func (h *harness) read(conn *websocket.Conn) realtime.ServerFrame {
	h.t.Helper()
	require.NoError(h.t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame realtime.ServerFrame
	require.NoError(h.t, conn.ReadJSON(&frame))
	return frame
}

// readUntil skips frames until one of type typ arrives
func (h *harness) readUntil(conn *websocket.Conn, typ string) realtime.ServerFrame {
	h.t.Helper()
	for {
		frame := h.read(conn)
		if frame.Type == typ {
			return frame
		}
	}
}

func (h *harness) conversation(a, b string) *entity.Conversation {
	h.t.Helper()
	conv, _, err := h.svc.StartConversation(context.Background(), service.StartConversationInput{UserID: a, OtherUserID: b})
	require.NoError(h.t, err)
	return conv
}

func TestGatewayRejectsUnauthenticated(t *testing.T) {
	h := newHarness(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewaySubscribeRegistersConnection(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial("alice")

	// connected but not subscribed: not reachable yet
	assert.Empty(t, h.registry.ConnectionsFor("alice"))

	require.NoError(t, conn.WriteJSON(realtime.ClientFrame{Type: realtime.FrameSubscribe, ClientRef: "sub-1"}))
	ack := h.read(conn)
	assert.Equal(t, realtime.FrameAck, ack.Type)
	assert.Equal(t, "sub-1", ack.ClientRef)
	assert.Equal(t, []string{ack.ConnectionID}, h.registry.ConnectionIDsFor("alice"))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return h.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewaySendAndReadReceipt(t *testing.T) {
	h := newHarness(t, Config{})
	conv := h.conversation("alice", "bob")

	alice := h.dial("alice")
	bob := h.dial("bob")
	for _, c := range []*websocket.Conn{alice, bob} {
		require.NoError(t, c.WriteJSON(realtime.ClientFrame{Type: realtime.FrameSubscribe, ClientRef: "s"}))
		h.readUntil(c, realtime.FrameAck)
	}

	require.NoError(t, alice.WriteJSON(realtime.ClientFrame{
		Type:           realtime.FrameSend,
		ClientRef:      "c-1",
		ConversationID: conv.ID,
		Body:           "Hi",
	}))
	ack := h.readUntil(alice, realtime.FrameAck)
	assert.Equal(t, "c-1", ack.ClientRef)
	require.NotNil(t, ack.Message)
	assert.Equal(t, int64(1), ack.Message.Seq)

	pushed := h.readUntil(bob, string(entity.EventMessage))
	require.NotNil(t, pushed.Message)
	assert.Equal(t, ack.Message.ID, pushed.Message.ID)
	assert.Equal(t, "Hi", pushed.Message.Body)

	require.NoError(t, bob.WriteJSON(realtime.ClientFrame{
		Type:           realtime.FrameMarkRead,
		ClientRef:      "r-1",
		ConversationID: conv.ID,
		UpToMessageID:  pushed.Message.Seq,
	}))
	readAck := h.readUntil(bob, realtime.FrameAck)
	require.NotNil(t, readAck.Read)
	assert.Equal(t, 0, readAck.Read.UnreadCount)

	receipt := h.readUntil(alice, string(entity.EventRead))
	assert.Equal(t, conv.ID, receipt.ConversationID)
	assert.Equal(t, "bob", receipt.ReaderID)
	assert.Equal(t, int64(1), receipt.UpToMessageID)
}

func TestGatewayTypedErrors(t *testing.T) {
	h := newHarness(t, Config{})
	conv := h.conversation("alice", "bob")
	mallory := h.dial("mallory")

	tests := []struct {
		name  string
		frame realtime.ClientFrame
		code  entity.Code
	}{
		{"outsider send", realtime.ClientFrame{Type: realtime.FrameSend, ClientRef: "1", ConversationID: conv.ID, Body: "x"}, entity.CodeInvalidParticipant},
		{"outsider read", realtime.ClientFrame{Type: realtime.FrameMarkRead, ClientRef: "2", ConversationID: conv.ID, UpToMessageID: 1}, entity.CodeNotParticipant},
		{"empty body", realtime.ClientFrame{Type: realtime.FrameSend, ClientRef: "3", ConversationID: conv.ID, Body: "  "}, entity.CodeEmptyBody},
		{"unknown conversation", realtime.ClientFrame{Type: realtime.FrameSend, ClientRef: "4", ConversationID: "nope", Body: "x"}, entity.CodeNotFound},
		{"unknown type", realtime.ClientFrame{Type: "shout", ClientRef: "5"}, entity.CodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, mallory.WriteJSON(tt.frame))
			reply := h.read(mallory)
			assert.Equal(t, realtime.FrameError, reply.Type)
			assert.Equal(t, tt.frame.ClientRef, reply.ClientRef)
			assert.Equal(t, tt.code, reply.Code)
		})
	}

	require.NoError(t, mallory.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := h.read(mallory)
	assert.Equal(t, realtime.FrameError, reply.Type)
	assert.Equal(t, entity.CodeInvalidArgument, reply.Code)

	// a frame with a mistyped field still gets its client_ref echoed
	require.NoError(t, mallory.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"markRead","client_ref":"bad-1","conversation_id":"`+conv.ID+`","up_to_message_id":"three"}`)))
	reply = h.read(mallory)
	assert.Equal(t, realtime.FrameError, reply.Type)
	assert.Equal(t, "bad-1", reply.ClientRef)
	assert.Equal(t, entity.CodeInvalidArgument, reply.Code)

	// failures never touched the registry
	assert.Zero(t, h.registry.Count())
}

func TestGatewayPing(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial("alice")

	require.NoError(t, conn.WriteJSON(realtime.ClientFrame{Type: realtime.FramePing, ClientRef: "p"}))
	pong := h.read(conn)
	assert.Equal(t, realtime.FramePong, pong.Type)
	assert.Equal(t, "p", pong.ClientRef)
}

func TestGatewayDropsSilentConnection(t *testing.T) {
	h := newHarness(t, Config{PongWait: 200 * time.Millisecond, PingPeriod: time.Hour})
	conn := h.dial("alice")
	require.NoError(t, conn.WriteJSON(realtime.ClientFrame{Type: realtime.FrameSubscribe, ClientRef: "s"}))
	h.readUntil(conn, realtime.FrameAck)
	require.Equal(t, 1, h.registry.Count())

	// the client stays silent past the read deadline
	assert.Eventually(t, func() bool { return h.registry.Count() == 0 }, 2*time.Second, 20*time.Millisecond)
}
