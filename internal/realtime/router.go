package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

// Envelope is one event addressed to a set of users
type Envelope struct {
	Recipients []string     `json:"recipients"`
	Event      entity.Event `json:"event"`
}

// Sink delivers envelopes, either to local connections or across nodes
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

// Directory looks up live connections for a user
type Directory interface {
	ConnectionsFor(userID string) []Peer
}

// Dispatcher pushes envelopes to the live connections held by this process.
// Recipients without a live connection are skipped; the conversation index is
// what they read on reconnect.
type Dispatcher struct {
	dir    Directory
	logger *slog.Logger
}

// NewDispatcher creates a local dispatcher
func NewDispatcher(dir Directory, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{dir: dir, logger: logger}
}

// Deliver pushes env to every live connection of each recipient. Failures are
// logged and never returned to the caller.
func (d *Dispatcher) Deliver(_ context.Context, env Envelope) error {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	for _, userID := range env.Recipients {
		peers := d.dir.ConnectionsFor(userID)
		if len(peers) == 0 {
			d.logger.Debug("dropping live event",
				"reason", entity.ErrDeliveryUnreachable,
				"user_id", userID,
				"conversation_id", env.Event.ConversationID,
				"type", env.Event.Type,
			)
			continue
		}
		for _, p := range peers {
			if err := p.Send(payload); err != nil {
				d.logger.Debug("live push failed",
					"reason", entity.ErrDeliveryUnreachable,
					"error", err,
					"user_id", userID,
					"connection_id", p.ID(),
				)
			}
		}
	}
	return nil
}

type conversationQueue struct {
	pending []Envelope
}

// Router fans committed chat events out to participants. Each conversation
// gets its own FIFO drained by a worker that exists only while the queue is
// non-empty, so events of one conversation keep commit order while different
// conversations proceed in parallel.
type Router struct {
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*conversationQueue
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRouter creates a delivery router writing to sink
func NewRouter(sink Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		sink:   sink,
		logger: logger,
		queues: make(map[string]*conversationQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnNewMessage pushes the message to every participant's live connections,
// including the sender's other devices
func (r *Router) OnNewMessage(conv entity.Conversation, msg entity.Message) {
	r.enqueue(conv.ID, Envelope{
		Recipients: conv.Participants(),
		Event:      entity.NewMessageEvent(msg),
	})
}

// OnReadReceipt pushes a read event to the participant whose messages were read
func (r *Router) OnReadReceipt(conv entity.Conversation, readerID string, upToSeq int64) {
	other, ok := conv.Other(readerID)
	if !ok {
		return
	}
	r.enqueue(conv.ID, Envelope{
		Recipients: []string{other},
		Event:      entity.NewReadEvent(conv.ID, readerID, upToSeq),
	})
}

func (r *Router) enqueue(conversationID string, env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	q, ok := r.queues[conversationID]
	if ok {
		q.pending = append(q.pending, env)
		return
	}

	q = &conversationQueue{pending: []Envelope{env}}
	r.queues[conversationID] = q
	r.wg.Add(1)
	go r.drain(conversationID, q)
}

func (r *Router) drain(conversationID string, q *conversationQueue) {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		if len(q.pending) == 0 {
			delete(r.queues, conversationID)
			r.mu.Unlock()
			return
		}
		env := q.pending[0]
		q.pending[0] = Envelope{}
		q.pending = q.pending[1:]
		r.mu.Unlock()

		if err := r.sink.Deliver(r.ctx, env); err != nil {
			r.logger.Warn("failed to deliver event",
				"reason", entity.ErrDeliveryUnreachable,
				"conversation_id", conversationID,
				"type", env.Event.Type,
				"error", err,
			)
		}
	}
}

// Close stops accepting events and waits for queued ones to drain or for ctx
// to expire, whichever comes first
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	defer r.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
