package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"korabot/internal/domain"
	"korabot/internal/metrics"
)

// User-visible notices. Kept close to the Messenger persona.
const (
	attachmentAck  = "I received your attachment! (I'm currently configured to only process text, but I got this!)"
	genericFailure = "Oops! Something went wrong while I was trying to respond. Please try again later."
)

// Dispatcher routes one inbound event either to a command or to the
// freeform reply path. Every error is caught here, logged, and converted
// into a user-visible failure notice; nothing propagates to the webhook
// response.
type Dispatcher struct {
	registry  *Registry
	store     domain.ConversationStore
	messenger domain.Messenger
	generator domain.ReplyGenerator
	prefix    string
	logger    *slog.Logger
}

type DispatcherConfig struct {
	Registry  *Registry
	Store     domain.ConversationStore
	Messenger domain.Messenger
	Generator domain.ReplyGenerator
	Prefix    string
	Logger    *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Prefix == "" {
		cfg.Prefix = "-"
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		store:     cfg.Store,
		messenger: cfg.Messenger,
		generator: cfg.Generator,
		prefix:    cfg.Prefix,
		logger:    cfg.Logger,
	}
}

// Prefix returns the configured command trigger prefix.
func (d *Dispatcher) Prefix() string { return d.prefix }

// Handle processes one inbound messaging event to completion. It never
// returns an error: the webhook must acknowledge receipt regardless of
// downstream failure, or the platform redelivers the event.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.InboundEvent, profile *domain.BotProfile) {
	if ev.SenderID == "" {
		d.logger.Warn("event without sender, skipping")
		return
	}

	// Mirror the inbound message before any processing.
	d.mirrorInbound(ctx, ev)

	switch {
	case ev.Text != "":
		if strings.HasPrefix(ev.Text, d.prefix) {
			d.handleCommand(ctx, ev, profile)
		} else {
			d.handleFreeform(ctx, ev, profile)
		}
	case len(ev.Attachments) > 0:
		d.sendAndMirror(ctx, ev.SenderID, attachmentAck, profile)
	}
}

func (d *Dispatcher) mirrorInbound(ctx context.Context, ev domain.InboundEvent) {
	content := ev.Text
	msgType := domain.TypeText
	if content == "" && len(ev.Attachments) > 0 {
		content = describeAttachments(ev.Attachments)
		msgType = domain.TypeAttachment
	}
	if content == "" {
		return
	}
	if err := d.store.StoreMessage(ctx, ev.SenderID, content, domain.SenderUser, msgType, nil); err != nil {
		d.logger.Error("cannot mirror inbound message", "sender", ev.SenderID, "err", err)
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, ev domain.InboundEvent, profile *domain.BotProfile) {
	fields := strings.Fields(strings.TrimPrefix(ev.Text, d.prefix))
	if len(fields) == 0 {
		d.sendAndMirror(ctx, ev.SenderID, d.unknownNotice(""), profile)
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	cmd, ok := d.registry.Lookup(name)
	if !ok {
		metrics.UnknownCommands.Inc()
		d.sendAndMirror(ctx, ev.SenderID, d.unknownNotice(name), profile)
		return
	}

	d.logger.Info("executing command", "name", name, "sender", ev.SenderID)
	metrics.CommandExecutions.Inc()

	result, err := d.execute(ctx, cmd, domain.Invocation{
		SenderID: ev.SenderID,
		Args:     args,
		Profile:  profile,
		Prefix:   d.prefix,
	})
	if err != nil {
		d.logger.Error("command failed", "name", name, "sender", ev.SenderID, "err", err)
		d.sendAndMirror(ctx, ev.SenderID, genericFailure, profile)
		return
	}

	d.deliver(ctx, ev.SenderID, result, profile)
}

// execute runs a command, converting panics into errors so one misbehaving
// command cannot take down the dispatch loop.
func (d *Dispatcher) execute(ctx context.Context, cmd domain.Command, inv domain.Invocation) (result domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panic: %v", r)
		}
	}()
	return cmd.Execute(ctx, inv)
}

// deliver carries out the delivery decision encoded in a command result.
func (d *Dispatcher) deliver(ctx context.Context, senderID string, result domain.Result, profile *domain.BotProfile) {
	switch result.Kind {
	case domain.ReplyText:
		d.sendAndMirror(ctx, senderID, result.Text, profile)
	case domain.ReplyAttachment:
		if result.Attachment != nil {
			if err := d.messenger.SendAttachment(ctx, senderID, *result.Attachment, profile); err != nil {
				d.logger.Error("cannot send attachment", "sender", senderID, "err", err)
				d.sendAndMirror(ctx, senderID, genericFailure, profile)
				return
			}
			if err := d.store.StoreMessage(ctx, senderID, result.Attachment.URL, domain.SenderBot, domain.TypeAttachment, nil); err != nil {
				d.logger.Error("cannot mirror attachment", "sender", senderID, "err", err)
			}
		}
		if result.Text != "" {
			d.sendAndMirror(ctx, senderID, result.Text, profile)
		}
	case domain.Sent, domain.NoReply:
		// Nothing for the dispatcher to deliver.
	}
}

func (d *Dispatcher) handleFreeform(ctx context.Context, ev domain.InboundEvent, profile *domain.BotProfile) {
	history, err := d.store.History(ctx, ev.SenderID)
	if err != nil {
		// Degrade to a context-free reply rather than failing the message.
		d.logger.Error("cannot load history", "sender", ev.SenderID, "err", err)
		history = nil
	}

	start := time.Now()
	reply, err := d.generator.Generate(ctx, profile.GeminiKey, ev.Text, history)
	metrics.GenerateLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		d.logger.Error("reply generation failed", "sender", ev.SenderID, "err", err)
		d.sendAndMirror(ctx, ev.SenderID, genericFailure, profile)
		return
	}
	metrics.RepliesGenerated.Inc()

	d.sendAndMirror(ctx, ev.SenderID, reply, profile)
}

// sendAndMirror delivers bot text and mirrors it into the conversation
// store as a bot-authored record.
func (d *Dispatcher) sendAndMirror(ctx context.Context, senderID, text string, profile *domain.BotProfile) {
	if err := d.messenger.SendText(ctx, senderID, text, profile); err != nil {
		metrics.SendFailures.Inc()
		d.logger.Error("cannot send message", "sender", senderID, "err", err)
	}
	if err := d.store.StoreMessage(ctx, senderID, text, domain.SenderBot, domain.TypeText, nil); err != nil {
		d.logger.Error("cannot mirror outbound message", "sender", senderID, "err", err)
	}
}

func (d *Dispatcher) unknownNotice(name string) string {
	return fmt.Sprintf("Unknown command: `%s%s`.", d.prefix, name)
}

func describeAttachments(atts []domain.Attachment) string {
	kinds := make([]string, len(atts))
	for i, a := range atts {
		kinds[i] = a.Type
	}
	return "[attachment: " + strings.Join(kinds, ", ") + "]"
}
