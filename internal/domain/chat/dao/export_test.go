package dao

import "github.com/vadim/neo-chat/internal/domain/chat/entity"

// overwriteUnread replaces a stored unread count without touching the log,
// leaving the summary the way a partial failure would
func (m *Memory) overwriteUnread(conversationID, userID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.summaries[entity.SummaryKey{ConversationID: conversationID, UserID: userID}]; ok {
		s.UnreadCount = n
	}
}
