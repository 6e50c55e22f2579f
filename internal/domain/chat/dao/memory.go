package dao

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

type pairKey struct {
	a, b, product string
}

// Memory is an in-process implementation of the conversation, message and
// summary repositories. A single mutex makes every append and markRead
// atomic together with its summary update.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]*entity.Conversation
	pairs         map[pairKey]string
	messages      map[string][]entity.Message // conversation ID -> log, index = seq-1
	summaries     map[entity.SummaryKey]*entity.ConversationSummary
	now           func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*entity.Conversation),
		pairs:         make(map[pairKey]string),
		messages:      make(map[string][]entity.Message),
		summaries:     make(map[entity.SummaryKey]*entity.ConversationSummary),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// GetByID retrieves a conversation by ID; nil when missing
func (m *Memory) GetByID(_ context.Context, id string) (*entity.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}
	c := *conv
	return &c, nil
}

// FindOrCreate returns the conversation for the pair and product context,
// creating it when needed
func (m *Memory) FindOrCreate(_ context.Context, userA, userB, productRef string) (*entity.Conversation, bool, error) {
	a, b := entity.SortPair(userA, userB)
	key := pairKey{a: a, b: b, product: productRef}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pairs[key]; ok {
		c := *m.conversations[id]
		return &c, false, nil
	}

	conv := &entity.Conversation{
		ID:           uuid.NewString(),
		ParticipantA: a,
		ParticipantB: b,
		ProductRef:   productRef,
		CreatedAt:    m.now(),
	}
	m.conversations[conv.ID] = conv
	m.pairs[key] = conv.ID

	for _, user := range conv.Participants() {
		other, _ := conv.Other(user)
		m.summaries[entity.SummaryKey{ConversationID: conv.ID, UserID: user}] = &entity.ConversationSummary{
			UserID:         user,
			ConversationID: conv.ID,
			OtherUserID:    other,
			ProductRef:     productRef,
			UpdatedAt:      conv.CreatedAt,
		}
	}

	c := *conv
	return &c, true, nil
}

// Append stores msg with the next sequence number and updates both summaries
func (m *Memory) Append(_ context.Context, msg entity.Message) (*entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, entity.ErrConversationNotFound
	}
	if !conv.HasParticipant(msg.SenderID) {
		return nil, entity.ErrInvalidParticipant
	}

	conv.LastSeq++
	msg.Seq = conv.LastSeq
	msg.ID = uuid.NewString()
	msg.IsRead = false
	msg.CreatedAt = m.now()
	m.messages[conv.ID] = append(m.messages[conv.ID], msg)

	m.upsertOnMessageLocked(*conv, msg)

	return &msg, nil
}

func (m *Memory) upsertOnMessageLocked(conv entity.Conversation, msg entity.Message) {
	recipient, _ := conv.Other(msg.SenderID)
	at := msg.CreatedAt

	for _, user := range conv.Participants() {
		s := m.summaryLocked(conv, user)
		s.LastMessagePreview = entity.Preview(msg.Body)
		s.LastMessageAt = &at
		s.LastMessageSeq = msg.Seq
		s.LastMessageIsMine = user == msg.SenderID
		s.UpdatedAt = at
		if user == recipient {
			s.UnreadCount++
		}
	}
}

func (m *Memory) summaryLocked(conv entity.Conversation, user string) *entity.ConversationSummary {
	key := entity.SummaryKey{ConversationID: conv.ID, UserID: user}
	s, ok := m.summaries[key]
	if !ok {
		other, _ := conv.Other(user)
		s = &entity.ConversationSummary{
			UserID:         user,
			ConversationID: conv.ID,
			OtherUserID:    other,
			ProductRef:     conv.ProductRef,
		}
		m.summaries[key] = s
	}
	return s
}

// MarkRead flips read flags up to upToSeq (clamped to the newest message)
func (m *Memory) MarkRead(_ context.Context, conversationID, readerID string, upToSeq int64) (*entity.ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, entity.ErrConversationNotFound
	}
	if !conv.HasParticipant(readerID) {
		return nil, entity.ErrNotParticipant
	}
	if upToSeq > conv.LastSeq {
		upToSeq = conv.LastSeq
	}

	log := m.messages[conversationID]
	flipped := 0
	for i := int64(0); i < upToSeq; i++ {
		msg := &log[i]
		if msg.SenderID != readerID && !msg.IsRead {
			msg.IsRead = true
			flipped++
		}
	}

	s := m.summaryLocked(*conv, readerID)
	s.UnreadCount = m.countUnreadLocked(conversationID, readerID)
	s.UpdatedAt = m.now()

	return &entity.ReadResult{
		ConversationID: conversationID,
		ReaderID:       readerID,
		UpToMessageID:  upToSeq,
		Flipped:        flipped,
		UnreadCount:    s.UnreadCount,
	}, nil
}

// ListByConversation returns up to limit messages newest first, older than
// beforeSeq when it is positive
func (m *Memory) ListByConversation(_ context.Context, conversationID string, limit int, beforeSeq int64) ([]entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.messages[conversationID]
	end := int64(len(log))
	if beforeSeq > 0 && beforeSeq-1 < end {
		end = beforeSeq - 1
	}

	out := make([]entity.Message, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

// CountUnread counts messages not sent by userID and not yet read
func (m *Memory) CountUnread(_ context.Context, conversationID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countUnreadLocked(conversationID, userID), nil
}

func (m *Memory) countUnreadLocked(conversationID, userID string) int {
	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != userID && !msg.IsRead {
			n++
		}
	}
	return n
}

// ListByUser returns the user's summaries, most recent activity first
func (m *Memory) ListByUser(_ context.Context, userID string, limit, offset int) ([]entity.ConversationSummary, error) {
	m.mu.Lock()
	var all []entity.ConversationSummary
	for key, s := range m.summaries {
		if key.UserID == userID {
			all = append(all, *s)
		}
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		ai, aj := all[i].LastMessageAt, all[j].LastMessageAt
		switch {
		case ai == nil && aj == nil:
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		case ai == nil:
			return false
		case aj == nil:
			return true
		case ai.Equal(*aj):
			return all[i].LastMessageSeq > all[j].LastMessageSeq
		default:
			return ai.After(*aj)
		}
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Get retrieves one summary; nil when missing
func (m *Memory) Get(_ context.Context, userID, conversationID string) (*entity.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.summaries[entity.SummaryKey{ConversationID: conversationID, UserID: userID}]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

// Count returns the number of conversations the user takes part in
func (m *Memory) Count(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key := range m.summaries {
		if key.UserID == userID {
			n++
		}
	}
	return n, nil
}

// RecomputeUnread recounts unread messages from the log into the summary
func (m *Memory) RecomputeUnread(_ context.Context, conversationID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return 0, entity.ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return 0, entity.ErrNotParticipant
	}

	s := m.summaryLocked(*conv, userID)
	s.UnreadCount = m.countUnreadLocked(conversationID, userID)
	s.UpdatedAt = m.now()
	return s.UnreadCount, nil
}

// FindDrifted returns summaries whose unread count disagrees with the log
func (m *Memory) FindDrifted(_ context.Context, limit int) ([]entity.SummaryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []entity.SummaryKey
	for _, conv := range m.conversations {
		for _, user := range conv.Participants() {
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
			key := entity.SummaryKey{ConversationID: conv.ID, UserID: user}
			s, ok := m.summaries[key]
			if !ok || s.UnreadCount != m.countUnreadLocked(conv.ID, user) {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}
