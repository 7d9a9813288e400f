// Package domain holds the data model shared by the OneStop client
// packages and the development server.
package domain

import "time"

// MessageStatus is the delivery state of a message as seen by one viewer.
// Statuses only ever move forward (sent -> delivered -> seen).
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

// statusRank orders statuses so updates can be applied monotonically.
var statusRank = map[MessageStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusSeen:      3,
}

// Rank returns the ordering rank of the status; unknown statuses rank lowest.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// DeletedBody replaces the body of a message deleted for everyone. The
// message keeps its position and timestamp in the thread.
const DeletedBody = "This message was deleted"

// UserSummary is the minimal user projection carried in conversations
// and presence events.
type UserSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Notification is a single notification record for the current user.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	Tag       string    `json:"tag,omitempty"`  // "admin", "recruiter", "candidate", "job"
	Link      string    `json:"link,omitempty"` // navigation target
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a direct thread between exactly two users, with a
// denormalized snapshot of the most recent message.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []UserSummary `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Other returns the participant that is not selfID. Participants are
// immutable after creation, so the lookup cannot change over time.
func (c *Conversation) Other(selfID string) (UserSummary, bool) {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return UserSummary{}, false
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Message is a single chat message belonging to exactly one conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	RecipientID    string        `json:"recipient_id"`
	Body           string        `json:"body"`
	Status         MessageStatus `json:"status"`
	Deleted        bool          `json:"deleted"`
	CreatedAt      time.Time     `json:"created_at"`
}
