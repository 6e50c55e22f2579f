package dao

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

// store is the union of the repository contracts every backend implements
type store interface {
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	FindOrCreate(ctx context.Context, userA, userB, productRef string) (*entity.Conversation, bool, error)
	Append(ctx context.Context, msg entity.Message) (*entity.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string, upToSeq int64) (*entity.ReadResult, error)
	ListByConversation(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]entity.Message, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]entity.ConversationSummary, error)
	Get(ctx context.Context, userID, conversationID string) (*entity.ConversationSummary, error)
	RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error)
	FindDrifted(ctx context.Context, limit int) ([]entity.SummaryKey, error)
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store { return NewMemory() })
}

func TestMemoryFindDrifted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	conv, _, err := m.FindOrCreate(ctx, "alice", "bob", "")
	require.NoError(t, err)
	_, err = m.Append(ctx, entity.Message{ConversationID: conv.ID, SenderID: "alice", Body: "Hi"})
	require.NoError(t, err)

	drifted, err := m.FindDrifted(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, drifted)

	m.overwriteUnread(conv.ID, "bob", 7)

	drifted, err = m.FindDrifted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, entity.SummaryKey{ConversationID: conv.ID, UserID: "bob"}, drifted[0])

	n, err := m.RecomputeUnread(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	drifted, err = m.FindDrifted(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, drifted)
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) store) {
	ctx := context.Background()

	// unique user IDs keep cases independent on a shared database
	users := func() (string, string) {
		suffix := uuid.NewString()[:8]
		return "alice-" + suffix, "bob-" + suffix
	}

	t.Run("find or create is unique per pair and product", func(t *testing.T) {
		s := newStore(t)
		alice, bob := users()

		c1, created, err := s.FindOrCreate(ctx, alice, bob, "")
		require.NoError(t, err)
		assert.True(t, created)

		c2, created, err := s.FindOrCreate(ctx, bob, alice, "")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, c1.ID, c2.ID)

		c3, created, err := s.FindOrCreate(ctx, alice, bob, "product-1")
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, c1.ID, c3.ID)

		got, err := s.GetByID(ctx, c1.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.HasParticipant(alice))
		assert.True(t, got.HasParticipant(bob))

		missing, err := s.GetByID(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("append assigns gapless sequence and updates summaries", func(t *testing.T) {
		s := newStore(t)
		alice, bob := users()
		conv, _, err := s.FindOrCreate(ctx, alice, bob, "")
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			msg, err := s.Append(ctx, entity.Message{ConversationID: conv.ID, SenderID: alice, Body: fmt.Sprintf("m%d", i)})
			require.NoError(t, err)
			assert.Equal(t, int64(i), msg.Seq)
			assert.NotEmpty(t, msg.ID)
			assert.False(t, msg.IsRead)
		}

		bobSummary, err := s.Get(ctx, bob, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, bobSummary)
		assert.Equal(t, 3, bobSummary.UnreadCount)
		assert.Equal(t, "m3", bobSummary.LastMessagePreview)
		assert.Equal(t, int64(3), bobSummary.LastMessageSeq)
		assert.False(t, bobSummary.LastMessageIsMine)

		aliceSummary, err := s.Get(ctx, alice, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, aliceSummary)
		assert.Equal(t, 0, aliceSummary.UnreadCount)
		assert.Equal(t, "m3", aliceSummary.LastMessagePreview)
		assert.True(t, aliceSummary.LastMessageIsMine)
	})

	t.Run("append rejects outsiders and unknown conversations", func(t *testing.T) {
		s := newStore(t)
		alice, bob := users()
		conv, _, err := s.FindOrCreate(ctx, alice, bob, "")
		require.NoError(t, err)

		_, err = s.Append(ctx, entity.Message{ConversationID: conv.ID, SenderID: "mallory", Body: "x"})
		require.ErrorIs(t, err, entity.ErrInvalidParticipant)

		_, err = s.Append(ctx, entity.Message{ConversationID: uuid.NewString(), SenderID: alice, Body: "x"})
		require.ErrorIs(t, err, entity.ErrConversationNotFound)

		// the rejected append must not consume a sequence number
		msg, err := s.Append(ctx, entity.Message{ConversationID: conv.ID, SenderID: alice, Body: "ok"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), msg.Seq)
	})

	t.Run("mark read is idempotent and clamps", func(t *testing.T) {
		s := newStore(t)
		alice, bob := users()
		conv, _, err := s.FindOrCreate(ctx, alice, bob, "")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err := s.Append(ctx, entity.Message{ConversationID: conv.ID, SenderID: alice, Body: "a"})
			require.NoError(t, err)
		}
		_, err = s.Append(ctx, entity.Message{ConversationID: conv.ID, SenderID: bob, Body: "b"})
		require.NoError(t, err)

		res, err := s.MarkRead(ctx, conv.ID, bob, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Flipped)
		assert.Equal(t, 1, res.UnreadCount)

		res, err = s.MarkRead(ctx, conv.ID, bob, 2)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Flipped)
		assert.Equal(t, 1, res.UnreadCount)

		res, err = s.MarkRead(ctx, conv.ID, bob, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Flipped)

		res, err = s.MarkRead(ctx, conv.ID, bob, 999)
		require.NoError(t, err)
		assert.Equal(t, int64(4), res.UpToMessageID)
		assert.Equal(t, 1, res.Flipped)
		assert.Equal(t, 0, res.UnreadCount)

		// bob's own message stays unread for alice
		aliceUnread, err := s.CountUnread(ctx, conv.ID, alice)
		require.NoError(t, err)
		assert.Equal(t, 1, aliceUnread)

		_, err = s.MarkRead(ctx, conv.ID, "mallory", 1)
		require.ErrorIs(t, err, entity.ErrNotParticipant)

		_, err = s.MarkRead(ctx, uuid.NewString(), bob, 1)
		require.ErrorIs(t, err, entity.ErrConversationNotFound)
	})

	t.Run("list messages pages newest first", func(t *testing.T) {
		s := newStore(t)
		alice, bob := users()
		conv, _, err := s.FindOrCreate(ctx, alice, bob, "")
		require.NoError(t, err)

		for i := 1; i <= 5; i++ {
			_, err := s.Append(ctx, entity.Message{ConversationID: conv.ID, SenderID: alice, Body: fmt.Sprintf("m%d", i)})
			require.NoError(t, err)
		}

		page, err := s.ListByConversation(ctx, conv.ID, 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(5), page[0].Seq)
		assert.Equal(t, int64(4), page[1].Seq)

		page, err = s.ListByConversation(ctx, conv.ID, 2, page[1].Seq)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(3), page[0].Seq)
		assert.Equal(t, int64(2), page[1].Seq)

		page, err = s.ListByConversation(ctx, conv.ID, 2, page[1].Seq)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(1), page[0].Seq)

		page, err = s.ListByConversation(ctx, conv.ID, 2, 1)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("list conversations orders by last message", func(t *testing.T) {
		s := newStore(t)
		alice, bob := users()
		carol := "carol-" + uuid.NewString()[:8]

		withBob, _, err := s.FindOrCreate(ctx, alice, bob, "")
		require.NoError(t, err)
		withCarol, _, err := s.FindOrCreate(ctx, alice, carol, "")
		require.NoError(t, err)

		_, err = s.Append(ctx, entity.Message{ConversationID: withBob.ID, SenderID: bob, Body: "first"})
		require.NoError(t, err)
		_, err = s.Append(ctx, entity.Message{ConversationID: withCarol.ID, SenderID: carol, Body: "second"})
		require.NoError(t, err)

		list, err := s.ListByUser(ctx, alice, 10, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, withCarol.ID, list[0].ConversationID)
		assert.Equal(t, carol, list[0].OtherUserID)
		assert.Equal(t, withBob.ID, list[1].ConversationID)
		assert.Equal(t, 1, list[0].UnreadCount)
		assert.Equal(t, 1, list[1].UnreadCount)
	})

	t.Run("concurrent appends from both sides lose nothing", func(t *testing.T) {
		s := newStore(t)
		alice, bob := users()
		conv, _, err := s.FindOrCreate(ctx, alice, bob, "")
		require.NoError(t, err)

		const perSide = 20
		var wg sync.WaitGroup
		for _, sender := range []string{alice, bob} {
			wg.Add(1)
			go func(sender string) {
				defer wg.Done()
				for i := 0; i < perSide; i++ {
					_, err := s.Append(ctx, entity.Message{ConversationID: conv.ID, SenderID: sender, Body: "x"})
					assert.NoError(t, err)
				}
			}(sender)
		}
		wg.Wait()

		all, err := s.ListByConversation(ctx, conv.ID, 100, 0)
		require.NoError(t, err)
		require.Len(t, all, 2*perSide)
		for i, msg := range all {
			assert.Equal(t, int64(2*perSide-i), msg.Seq)
		}

		for _, user := range []string{alice, bob} {
			summary, err := s.Get(ctx, user, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, perSide, summary.UnreadCount)
		}
	})
}
