package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

func TestTimelineConfirm(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Apply(entity.Message{ID: "m1", ConversationID: "c1", Seq: 1, SenderID: "bob", Body: "hey"})

	ref := tl.AddPending("alice", "Hi", "")
	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, Confirmed, entries[0].Status)
	assert.Equal(t, Pending, entries[1].Status)
	assert.Equal(t, ref, entries[1].ClientRef)

	tl.Confirm(ref, entity.Message{ID: "m2", ConversationID: "c1", Seq: 2, SenderID: "alice", Body: "Hi"})

	entries = tl.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, Confirmed, e.Status)
	}
	assert.Equal(t, int64(2), entries[1].Message.Seq)
	assert.Equal(t, int64(2), tl.LatestSeq())
}

func TestTimelineEventBeforeAck(t *testing.T) {
	tl := NewTimeline("c1")
	ref := tl.AddPending("alice", "Hi", "")

	msg := entity.Message{ID: "m1", ConversationID: "c1", Seq: 1, SenderID: "alice", Body: "Hi"}
	tl.Apply(msg) // pushed event wins the race
	tl.Confirm(ref, msg)

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Confirmed, entries[0].Status)
	assert.Equal(t, "m1", entries[0].Message.ID)
}

func TestTimelineFailRetryDiscard(t *testing.T) {
	tl := NewTimeline("c1")
	ref := tl.AddPending("alice", "Hi", "")

	tl.Fail(ref, errors.New("offline"))
	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Failed, entries[0].Status)
	assert.EqualError(t, entries[0].Err, "offline")

	e, ok := tl.Retry(ref)
	require.True(t, ok)
	assert.Equal(t, Pending, e.Status)
	assert.Equal(t, "Hi", e.Message.Body)

	// only failed entries can be retried or discarded
	_, ok = tl.Retry(ref)
	assert.False(t, ok)
	assert.False(t, tl.Discard(ref))

	tl.Fail(ref, errors.New("again"))
	assert.True(t, tl.Discard(ref))
	assert.Empty(t, tl.Entries())
}

func TestTimelineReadFlags(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Apply(entity.Message{ID: "m1", ConversationID: "c1", Seq: 1, SenderID: "alice"})
	tl.Apply(entity.Message{ID: "m2", ConversationID: "c1", Seq: 2, SenderID: "bob"})
	tl.Apply(entity.Message{ID: "m3", ConversationID: "c1", Seq: 3, SenderID: "alice"})
	tl.Apply(entity.Message{ID: "other", ConversationID: "c2", Seq: 1, SenderID: "alice"})

	tl.ApplyRead("bob", 2)

	entries := tl.Entries()
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Message.IsRead)
	assert.False(t, entries[1].Message.IsRead, "reader's own message is untouched")
	assert.False(t, entries[2].Message.IsRead)

	// a stale copy from history cannot flip the flag back
	tl.Apply(entity.Message{ID: "m1", ConversationID: "c1", Seq: 1, SenderID: "alice", IsRead: false})
	assert.True(t, tl.Entries()[0].Message.IsRead)
}
