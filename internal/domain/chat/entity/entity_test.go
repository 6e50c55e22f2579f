package entity

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBody(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "plain", in: "Hi", want: "Hi"},
		{name: "trimmed", in: "  Hi there \n", want: "Hi there"},
		{name: "blank", in: " \t\n ", wantErr: ErrEmptyBody},
		{name: "empty", in: "", wantErr: ErrEmptyBody},
		{name: "max length", in: strings.Repeat("я", MaxBodyLength), want: strings.Repeat("я", MaxBodyLength)},
		{name: "too long", in: strings.Repeat("a", MaxBodyLength+1), wantErr: ErrBodyTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBody(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConversationParticipants(t *testing.T) {
	conv := Conversation{ParticipantA: "alice", ParticipantB: "bob"}

	assert.True(t, conv.HasParticipant("alice"))
	assert.True(t, conv.HasParticipant("bob"))
	assert.False(t, conv.HasParticipant("carol"))
	assert.False(t, conv.HasParticipant(""))

	other, ok := conv.Other("alice")
	assert.True(t, ok)
	assert.Equal(t, "bob", other)

	_, ok = conv.Other("carol")
	assert.False(t, ok)
}

func TestSortPair(t *testing.T) {
	a, b := SortPair("bob", "alice")
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	a, b = SortPair("alice", "bob")
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))

	long := strings.Repeat("x", MaxPreviewLength+10)
	p := Preview(long)
	assert.Equal(t, MaxPreviewLength, len([]rune(p)))
	assert.True(t, strings.HasSuffix(p, "…"))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{ErrInvalidParticipant, CodeInvalidParticipant},
		{ErrNotParticipant, CodeNotParticipant},
		{ErrEmptyBody, CodeEmptyBody},
		{ErrBodyTooLong, CodeBodyTooLong},
		{ErrConversationNotFound, CodeNotFound},
		{ErrSelfConversation, CodeInvalidArgument},
		{fmt.Errorf("appending message: %w", ErrTransientStore), CodeTransientStore},
		{fmt.Errorf("boom"), CodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), tt.err.Error())
	}
}
