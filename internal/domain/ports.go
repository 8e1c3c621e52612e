package domain

import "context"

// ConversationStore persists the append-only message log and the per-user
// rolling history window.
type ConversationStore interface {
	// StoreMessage appends to the log and advances the sender's rolling
	// history window in one operation.
	StoreMessage(ctx context.Context, userID, message, sender, msgType string, metadata map[string]any) error
	// History returns the user's rolling history, oldest first.
	History(ctx context.Context, userID string) ([]ConversationRecord, error)
	// LogSendStatus records the outcome of one outbound delivery attempt.
	LogSendStatus(ctx context.Context, senderID, msgType, status, errMsg string, metadata map[string]any) error
}

// Messenger delivers text and media to a recipient on behalf of a profile.
type Messenger interface {
	SendText(ctx context.Context, recipientID, text string, profile *BotProfile) error
	SendAttachment(ctx context.Context, recipientID string, att Attachment, profile *BotProfile) error
}

// ReplyGenerator produces a freeform AI reply for user text given the
// recent rolling history.
type ReplyGenerator interface {
	Generate(ctx context.Context, apiKey, text string, history []ConversationRecord) (string, error)
}
