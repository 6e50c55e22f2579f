package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
	"github.com/vadim/neo-chat/internal/domain/chat/service"
	"github.com/vadim/neo-chat/internal/httpx/auth"
	"github.com/vadim/neo-chat/internal/httpx/response"
	"github.com/vadim/neo-chat/internal/realtime"
)

// ChatPolicy is the write side the gateway drives
type ChatPolicy interface {
	Send(ctx context.Context, in service.SendInput) (*entity.Message, error)
	MarkRead(ctx context.Context, in service.MarkReadInput) (*entity.ReadResult, error)
}

// Presence is the connection registry. Only the gateway mutates it.
type Presence interface {
	Register(p realtime.Peer) (string, error)
	Unregister(connectionID string) bool
}

// Config holds websocket tuning
type Config struct {
	ReadLimit      int64
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	RequestTimeout time.Duration
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 16 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 128
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Gateway terminates websocket connections. Each accepted connection gets
// its own session; nothing about a connection lives in package state.
type Gateway struct {
	policy   ChatPolicy
	presence Presence
	authn    auth.Authenticator
	upgrader websocket.Upgrader
	cfg      Config
	logger   *slog.Logger
}

// New creates a websocket gateway
func New(p ChatPolicy, presence Presence, authn auth.Authenticator, cfg Config, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		policy:   p,
		presence: presence,
		authn:    authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		cfg:    cfg,
		logger: logger,
	}
}

// RegisterRoutes registers the websocket endpoint
func (g *Gateway) RegisterRoutes(r chi.Router) {
	r.Get("/ws", g.Handle())
}

// originChecker returns nil, gorilla's same-host check, when no origins are
// configured
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handle authenticates the handshake, upgrades it and serves the session
// until the client goes away
func (g *Gateway) Handle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := g.authn.Authenticate(r)
		if err != nil {
			if errors.Is(err, auth.ErrAuthUnavailable) {
				g.logger.Error("auth service call failed", "error", err)
				response.ServiceUnavailable(w, "authentication unavailable")
				return
			}
			response.Unauthorized(w, "unauthenticated")
			return
		}

		wsConn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the response
			g.logger.Debug("websocket upgrade failed", "error", err)
			return
		}

		conn := realtime.NewConnection(userID, wsConn, realtime.Options{
			SendBuffer: g.cfg.SendBuffer,
			WriteWait:  g.cfg.WriteWait,
			PingPeriod: g.cfg.PingPeriod,
		})
		conn.Start()

		s := &session{
			gw:     g,
			conn:   conn,
			ws:     wsConn,
			userID: userID,
			logger: g.logger.With("connection_id", conn.ID(), "user_id", userID),
		}
		s.serve(r.Context())
	}
}

// session is the per-connection context every intent runs in
type session struct {
	gw     *Gateway
	conn   *realtime.Connection
	ws     *websocket.Conn
	userID string
	logger *slog.Logger
}

func (s *session) serve(ctx context.Context) {
	defer func() {
		s.gw.presence.Unregister(s.conn.ID())
		s.conn.Close(websocket.CloseNormalClosure, "session closed")
		s.logger.Debug("session closed")
	}()

	s.ws.SetReadLimit(s.gw.cfg.ReadLimit)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.gw.cfg.PongWait))
	s.ws.SetPongHandler(func(string) error {
		s.conn.Touch()
		return s.ws.SetReadDeadline(time.Now().Add(s.gw.cfg.PongWait))
	})

	s.logger.Debug("session opened")
	s.reply(realtime.ServerFrame{Type: realtime.FrameConnected, ConnectionID: s.conn.ID()})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		s.conn.Touch()
		_ = s.ws.SetReadDeadline(time.Now().Add(s.gw.cfg.PongWait))

		var frame realtime.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.replyError(clientRefOf(data), entity.ErrInvalidArgument, "invalid payload")
			continue
		}

		s.dispatch(ctx, frame)
	}
}

// clientRefOf pulls client_ref out of a frame that failed to decode, so the
// sender can still pair the error with its request
func clientRefOf(data []byte) string {
	var ref struct {
		ClientRef string `json:"client_ref"`
	}
	_ = json.Unmarshal(data, &ref)
	return ref.ClientRef
}

func (s *session) dispatch(ctx context.Context, frame realtime.ClientFrame) {
	switch frame.Type {
	case realtime.FrameSubscribe:
		s.handleSubscribe(frame)
	case realtime.FrameSend:
		s.handleSend(ctx, frame)
	case realtime.FrameMarkRead:
		s.handleMarkRead(ctx, frame)
	case realtime.FramePing:
		s.reply(realtime.ServerFrame{Type: realtime.FramePong, ClientRef: frame.ClientRef})
	default:
		s.replyError(frame.ClientRef, entity.ErrInvalidArgument, "unknown frame type")
	}
}

func (s *session) handleSubscribe(frame realtime.ClientFrame) {
	connectionID, err := s.gw.presence.Register(s.conn)
	if err != nil {
		s.replyError(frame.ClientRef, err, "connection closed")
		return
	}
	s.reply(realtime.ServerFrame{Type: realtime.FrameAck, ClientRef: frame.ClientRef, ConnectionID: connectionID})
}

func (s *session) handleSend(ctx context.Context, frame realtime.ClientFrame) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	msg, err := s.gw.policy.Send(ctx, service.SendInput{
		ConversationID: frame.ConversationID,
		SenderID:       s.userID,
		Body:           frame.Body,
		ProductRef:     frame.ProductRef,
	})
	if err != nil {
		s.replyError(frame.ClientRef, err, "")
		return
	}

	s.reply(realtime.ServerFrame{
		Type:           realtime.FrameAck,
		ClientRef:      frame.ClientRef,
		ConversationID: msg.ConversationID,
		Message:        msg,
	})
}

func (s *session) handleMarkRead(ctx context.Context, frame realtime.ClientFrame) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	res, err := s.gw.policy.MarkRead(ctx, service.MarkReadInput{
		ConversationID: frame.ConversationID,
		ReaderID:       s.userID,
		UpToSeq:        frame.UpToMessageID,
	})
	if err != nil {
		s.replyError(frame.ClientRef, err, "")
		return
	}

	s.reply(realtime.ServerFrame{
		Type:           realtime.FrameAck,
		ClientRef:      frame.ClientRef,
		ConversationID: res.ConversationID,
		Read:           res,
	})
}

// storeContext detaches store writes from the connection so a disconnect
// never aborts a commit halfway
func (s *session) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.gw.cfg.RequestTimeout)
}

func (s *session) replyError(clientRef string, err error, message string) {
	code := entity.CodeOf(err)
	if message == "" {
		message = err.Error()
	}
	if code == entity.CodeInternal {
		s.logger.Error("intent failed", "client_ref", clientRef, "error", err)
		message = "internal error"
	}
	s.reply(realtime.ServerFrame{Type: realtime.FrameError, ClientRef: clientRef, Code: code, Error: message})
}

func (s *session) reply(frame realtime.ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to encode frame", "type", frame.Type, "error", err)
		return
	}
	if err := s.conn.Send(payload); err != nil {
		s.logger.Debug("reply dropped", "type", frame.Type, "error", err)
	}
}
