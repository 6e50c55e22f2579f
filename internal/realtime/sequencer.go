package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

const (
	// DefaultReorderWindow is how long a message waits for a missing predecessor
	DefaultReorderWindow = 250 * time.Millisecond

	sequencerIdleTTL = 10 * time.Minute
)

// Sequencer restores per-conversation sequence order for message events that
// reach this node from several publishers. Sequences are dense, so a message
// whose predecessor has not been delivered yet is held until it arrives or
// the reorder window runs out; then the held messages go out in order and
// anything older that shows up later is dropped. Other events pass straight
// through.
type Sequencer struct {
	next   Sink
	window time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	convs     map[string]*sequenceState
	lastSweep time.Time
}

type sequenceState struct {
	last    int64
	held    map[int64]Envelope
	timer   *time.Timer
	gen     uint64
	touched time.Time
}

// NewSequencer wraps next; window <= 0 selects DefaultReorderWindow
func NewSequencer(next Sink, window time.Duration, logger *slog.Logger) *Sequencer {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		next:      next,
		window:    window,
		logger:    logger,
		convs:     make(map[string]*sequenceState),
		lastSweep: time.Now(),
	}
}

// Deliver forwards env to the next sink in sequence order. Delivery to next
// happens under the sequencer lock, so next must not block.
func (s *Sequencer) Deliver(ctx context.Context, env Envelope) error {
	msg := env.Event.Message
	if env.Event.Type != entity.EventMessage || msg == nil {
		return s.next.Deliver(ctx, env)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.sweepLocked(now)

	st, ok := s.convs[msg.ConversationID]
	if !ok {
		// first message seen for this conversation anchors the sequence
		s.convs[msg.ConversationID] = &sequenceState{last: msg.Seq, held: make(map[int64]Envelope), touched: now}
		return s.next.Deliver(ctx, env)
	}
	st.touched = now

	switch {
	case msg.Seq <= st.last:
		s.logger.Debug("dropping out-of-order message",
			"reason", entity.ErrDeliveryUnreachable,
			"conversation_id", msg.ConversationID,
			"seq", msg.Seq,
			"delivered_up_to", st.last,
		)
		return nil
	case msg.Seq == st.last+1:
		err := s.next.Deliver(ctx, env)
		st.last = msg.Seq
		s.drainLocked(ctx, st)
		return err
	default:
		st.held[msg.Seq] = env
		if st.timer == nil {
			st.gen++
			gen := st.gen
			convID := msg.ConversationID
			st.timer = time.AfterFunc(s.window, func() { s.expire(convID, gen) })
		}
		return nil
	}
}

// drainLocked delivers held messages that now follow on directly
func (s *Sequencer) drainLocked(ctx context.Context, st *sequenceState) {
	for {
		env, ok := st.held[st.last+1]
		if !ok {
			break
		}
		delete(st.held, st.last+1)
		st.last++
		if err := s.next.Deliver(ctx, env); err != nil {
			s.logger.Warn("failed to deliver held message", "error", err)
		}
	}
	if len(st.held) == 0 && st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// expire gives up on a gap: held messages are delivered in order
func (s *Sequencer) expire(conversationID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.convs[conversationID]
	if !ok || st.gen != gen || st.timer == nil {
		return
	}
	st.timer = nil
	if len(st.held) == 0 {
		return
	}

	seqs := make([]int64, 0, len(st.held))
	for seq := range st.held {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	s.logger.Debug("sequence gap not filled in time",
		"conversation_id", conversationID,
		"missing_from", st.last+1,
		"resuming_at", seqs[0],
	)

	for _, seq := range seqs {
		env := st.held[seq]
		delete(st.held, seq)
		st.last = seq
		if err := s.next.Deliver(context.Background(), env); err != nil {
			s.logger.Warn("failed to deliver held message", "error", err)
		}
	}
}

// sweepLocked forgets conversations that have been quiet for a while
func (s *Sequencer) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < sequencerIdleTTL {
		return
	}
	s.lastSweep = now
	for id, st := range s.convs {
		if len(st.held) == 0 && now.Sub(st.touched) > sequencerIdleTTL {
			delete(s.convs, id)
		}
	}
}
