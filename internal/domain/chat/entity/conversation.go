package entity

import "time"

// Conversation is the persistent channel between exactly two participants,
// optionally scoped to a product. Participants are stored in sorted order so
// the pair is unordered from the caller's point of view.
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participant_a"`
	ParticipantB string    `json:"participant_b"`
	ProductRef   string    `json:"product_ref,omitempty"`
	LastSeq      int64     `json:"last_seq"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is one of the two participants
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Other returns the participant that is not userID
func (c *Conversation) Other(userID string) (string, bool) {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB, true
	case c.ParticipantB:
		return c.ParticipantA, true
	default:
		return "", false
	}
}

// Participants returns both participant IDs
func (c *Conversation) Participants() []string {
	return []string{c.ParticipantA, c.ParticipantB}
}

// SortPair orders a participant pair so (a, b) and (b, a) map to the same key
func SortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
