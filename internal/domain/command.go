package domain

import "context"

// ResultKind tags how a command's result should be delivered.
type ResultKind int

const (
	// NoReply means the command produced nothing to send.
	NoReply ResultKind = iota
	// ReplyText means the dispatcher should send Result.Text to the sender.
	ReplyText
	// ReplyAttachment means the dispatcher should send Result.Attachment,
	// followed by Result.Text when non-empty.
	ReplyAttachment
	// Sent means the command already delivered its own reply; the
	// dispatcher must not send anything further.
	Sent
)

// Result is the uniform reply contract for command execution. Commands never
// send-and-also-return: delivery is decided by the dispatcher from the tag.
type Result struct {
	Kind       ResultKind
	Text       string
	Attachment *Attachment
}

// Reply builds a ReplyText result.
func Reply(text string) Result { return Result{Kind: ReplyText, Text: text} }

// ReplyMedia builds a ReplyAttachment result with optional caption text.
func ReplyMedia(att Attachment, text string) Result {
	return Result{Kind: ReplyAttachment, Text: text, Attachment: &att}
}

// AlreadySent builds a Sent result.
func AlreadySent() Result { return Result{Kind: Sent} }

// Silent builds a NoReply result.
func Silent() Result { return Result{Kind: NoReply} }

// Invocation carries everything a command receives for one execution.
type Invocation struct {
	SenderID string
	Args     []string
	Profile  *BotProfile
	Prefix   string
}

// Command is one named, independently registered bot command.
type Command interface {
	Name() string
	Description() string
	Execute(ctx context.Context, inv Invocation) (Result, error)
}
