// Package client is a Go client for the chat websocket. It pairs request
// frames with their replies and exposes pushed events on a channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
	"github.com/vadim/neo-chat/internal/realtime"
)

var ErrClosed = errors.New("client closed")

// ServerError is a typed failure returned by the server for one intent
type ServerError struct {
	Code    entity.Code
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is a live connection to the chat gateway
type Client struct {
	ws           *websocket.Conn
	connectionID string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan realtime.ServerFrame
	closed  bool

	events chan realtime.ServerFrame
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the gateway at url and waits for the connected frame
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	var hello realtime.ServerFrame
	if err := ws.ReadJSON(&hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	if hello.Type != realtime.FrameConnected {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q", hello.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &Client{
		ws:           ws,
		connectionID: hello.ConnectionID,
		pending:      make(map[string]chan realtime.ServerFrame),
		events:       make(chan realtime.ServerFrame, 256),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ConnectionID is the server-assigned ID of this connection
func (c *Client) ConnectionID() string { return c.connectionID }

// Events delivers pushed "message" and "read" events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan realtime.ServerFrame { return c.events }

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} { return c.done }

// Subscribe asks the server to start pushing events to this connection
func (c *Client) Subscribe(ctx context.Context) error {
	_, err := c.request(ctx, realtime.ClientFrame{Type: realtime.FrameSubscribe})
	return err
}

// Send sends a message and returns it as committed by the server
func (c *Client) Send(ctx context.Context, conversationID, body, productRef string) (*entity.Message, error) {
	return c.SendWithRef(ctx, uuid.NewString(), conversationID, body, productRef)
}

// SendWithRef is Send with a caller-chosen client reference, as used by a
// Timeline to reconcile optimistic entries
func (c *Client) SendWithRef(ctx context.Context, clientRef, conversationID, body, productRef string) (*entity.Message, error) {
	reply, err := c.request(ctx, realtime.ClientFrame{
		Type:           realtime.FrameSend,
		ClientRef:      clientRef,
		ConversationID: conversationID,
		Body:           body,
		ProductRef:     productRef,
	})
	if err != nil {
		return nil, err
	}
	if reply.Message == nil {
		return nil, errors.New("ack without message")
	}
	return reply.Message, nil
}

// MarkRead marks the other participant's messages read up to upTo
func (c *Client) MarkRead(ctx context.Context, conversationID string, upTo int64) (*entity.ReadResult, error) {
	reply, err := c.request(ctx, realtime.ClientFrame{
		Type:           realtime.FrameMarkRead,
		ConversationID: conversationID,
		UpToMessageID:  upTo,
	})
	if err != nil {
		return nil, err
	}
	if reply.Read == nil {
		return nil, errors.New("ack without read result")
	}
	return reply.Read, nil
}

// Ping round-trips an application-level ping
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, realtime.ClientFrame{Type: realtime.FramePing})
	return err
}

// Close closes the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) request(ctx context.Context, frame realtime.ClientFrame) (realtime.ServerFrame, error) {
	if frame.ClientRef == "" {
		frame.ClientRef = uuid.NewString()
	}
	replyCh := make(chan realtime.ServerFrame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ServerFrame{}, ErrClosed
	}
	c.pending[frame.ClientRef] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.ClientRef)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return realtime.ServerFrame{}, err
	}

	select {
	case <-ctx.Done():
		return realtime.ServerFrame{}, ctx.Err()
	case <-c.done:
		return realtime.ServerFrame{}, ErrClosed
	case reply := <-replyCh:
		if reply.Type == realtime.FrameError {
			return reply, &ServerError{Code: reply.Code, Message: reply.Error}
		}
		return reply, nil
	}
}

func (c *Client) write(frame realtime.ClientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		var frame realtime.ServerFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case realtime.FrameAck, realtime.FrameError, realtime.FramePong:
			c.mu.Lock()
			ch, ok := c.pending[frame.ClientRef]
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		default:
			select {
			case c.events <- frame:
			default:
				// consumer is not keeping up; history can be re-fetched
			}
		}
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	})
}
