package client

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

// Status is the delivery state of a timeline entry
type Status int

const (
	Pending Status = iota
	Confirmed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one message as the local user sees it. Pending and Failed
// entries have no sequence number yet.
type Entry struct {
	ClientRef string
	Status    Status
	Message   entity.Message
	Err       error
}

// Timeline is the client's optimistic view of one conversation: confirmed
// messages in sequence order followed by local sends still in flight or
// failed. Server messages are keyed by ID, so an ack and the pushed event for
// the same message collapse into one entry whichever arrives first.
type Timeline struct {
	mu             sync.Mutex
	conversationID string
	confirmed      map[string]entity.Message // message ID -> message
	local          []*Entry                  // pending and failed, in send order
}

// NewTimeline creates an empty timeline for a conversation
func NewTimeline(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		confirmed:      make(map[string]entity.Message),
	}
}

// AddPending inserts an optimistic entry and returns its client reference
func (t *Timeline) AddPending(senderID, body, productRef string) string {
	ref := uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.local = append(t.local, &Entry{
		ClientRef: ref,
		Status:    Pending,
		Message: entity.Message{
			ConversationID: t.conversationID,
			SenderID:       senderID,
			Body:           body,
			ProductRef:     productRef,
			CreatedAt:      time.Now().UTC(),
		},
	})
	return ref
}

// Confirm replaces the pending entry with the committed message
func (t *Timeline) Confirm(clientRef string, msg entity.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocalLocked(clientRef)
	t.applyLocked(msg)
}

// Fail marks the pending entry failed so the user can retry or discard it
func (t *Timeline) Fail(clientRef string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.findLocalLocked(clientRef); e != nil {
		e.Status = Failed
		e.Err = err
	}
}

// Retry moves a failed entry back to Pending and returns it for resending
func (t *Timeline) Retry(clientRef string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.findLocalLocked(clientRef)
	if e == nil || e.Status != Failed {
		return Entry{}, false
	}
	e.Status = Pending
	e.Err = nil
	return *e, true
}

// Discard removes a failed entry
func (t *Timeline) Discard(clientRef string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.findLocalLocked(clientRef)
	if e == nil || e.Status != Failed {
		return false
	}
	t.removeLocalLocked(clientRef)
	return true
}

// Apply merges a server message, from history or a pushed event
func (t *Timeline) Apply(msg entity.Message) {
	if msg.ConversationID != t.conversationID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(msg)
}

func (t *Timeline) applyLocked(msg entity.Message) {
	if existing, ok := t.confirmed[msg.ID]; ok && existing.IsRead {
		// read flags never go back to false
		msg.IsRead = true
	}
	t.confirmed[msg.ID] = msg
}

// ApplyRead marks messages not sent by readerID read up to upTo
func (t *Timeline) ApplyRead(readerID string, upTo int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, msg := range t.confirmed {
		if msg.SenderID != readerID && msg.Seq <= upTo && !msg.IsRead {
			msg.IsRead = true
			t.confirmed[id] = msg
		}
	}
}

// LatestSeq returns the highest confirmed sequence number
func (t *Timeline) LatestSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var max int64
	for _, msg := range t.confirmed {
		if msg.Seq > max {
			max = msg.Seq
		}
	}
	return max
}

// Entries returns confirmed messages in sequence order followed by local
// entries in send order
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.local))
	for _, msg := range t.confirmed {
		out = append(out, Entry{Status: Confirmed, Message: msg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message.Seq < out[j].Message.Seq })

	for _, e := range t.local {
		out = append(out, *e)
	}
	return out
}

func (t *Timeline) findLocalLocked(clientRef string) *Entry {
	for _, e := range t.local {
		if e.ClientRef == clientRef {
			return e
		}
	}
	return nil
}

func (t *Timeline) removeLocalLocked(clientRef string) {
	for i, e := range t.local {
		if e.ClientRef == clientRef {
			t.local = append(t.local[:i], t.local[i+1:]...)
			return
		}
	}
}
