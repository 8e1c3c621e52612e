package domain

import "time"

// InboundEvent is one messaging event extracted from a webhook delivery.
// Transient: constructed per delivery, not persisted beyond the
// conversation store mirror.
type InboundEvent struct {
	SenderID    string
	Text        string
	Attachments []Attachment
}

// Attachment is a non-text payload on an inbound or outbound message.
type Attachment struct {
	Type string `json:"type"` // "image" | "audio" | "video" | "file"
	URL  string `json:"url,omitempty"`
}

// Roles in the rolling conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Senders recorded in the conversation log.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// Message types recorded in the conversation log.
const (
	TypeText       = "text"
	TypeAttachment = "attachment"
)

// ConversationRecord is one entry of a user's rolling history window,
// used as generation context for freeform replies.
type ConversationRecord struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// LogEntry is one row of the append-only conversation log.
type LogEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}
