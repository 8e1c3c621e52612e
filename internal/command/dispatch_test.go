package command

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"korabot/internal/domain"
)

// fakeStore records mirrored messages in memory.
type fakeStore struct {
	mirrored []mirroredMsg
	history  map[string][]domain.ConversationRecord
}

type mirroredMsg struct {
	userID, content, sender, msgType string
}

func newFakeStore() *fakeStore {
	return &fakeStore{history: make(map[string][]domain.ConversationRecord)}
}

func (s *fakeStore) StoreMessage(_ context.Context, userID, message, sender, msgType string, _ map[string]any) error {
	s.mirrored = append(s.mirrored, mirroredMsg{userID, message, sender, msgType})
	return nil
}

func (s *fakeStore) History(_ context.Context, userID string) ([]domain.ConversationRecord, error) {
	return s.history[userID], nil
}

func (s *fakeStore) LogSendStatus(context.Context, string, string, string, string, map[string]any) error {
	return nil
}

// fakeMessenger records sends.
type fakeMessenger struct {
	texts       []string
	attachments []domain.Attachment
	failSend    bool
}

func (m *fakeMessenger) SendText(_ context.Context, _, text string, _ *domain.BotProfile) error {
	if m.failSend {
		return fmt.Errorf("send failed")
	}
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeMessenger) SendAttachment(_ context.Context, _ string, att domain.Attachment, _ *domain.BotProfile) error {
	m.attachments = append(m.attachments, att)
	return nil
}

// fakeGenerator returns a canned reply or an error.
type fakeGenerator struct {
	reply   string
	err     error
	gotText string
	gotHist []domain.ConversationRecord
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, text string, history []domain.ConversationRecord) (string, error) {
	g.gotText = text
	g.gotHist = history
	return g.reply, g.err
}

// recordingCommand notes whether it was invoked.
type recordingCommand struct {
	name    string
	invoked bool
	result  domain.Result
	err     error
}

func (c *recordingCommand) Name() string        { return c.name }
func (c *recordingCommand) Description() string { return "test command" }
func (c *recordingCommand) Execute(context.Context, domain.Invocation) (domain.Result, error) {
	c.invoked = true
	return c.result, c.err
}

func testProfile() *domain.BotProfile {
	return &domain.BotProfile{ID: domain.DefaultProfileID, GeminiKey: "k", PageAccessToken: "t"}
}

func newTestDispatcher(t *testing.T, reg *Registry, store *fakeStore, msgr *fakeMessenger, gen *fakeGenerator) *Dispatcher {
	t.Helper()
	return NewDispatcher(DispatcherConfig{
		Registry:  reg,
		Store:     store,
		Messenger: msgr,
		Generator: gen,
		Prefix:    "-",
		Logger:    testLogger(),
	})
}

func TestHandle_UnknownCommandNotice(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cmd := &recordingCommand{name: "real", result: domain.Reply("ok")}
	reg.RegisterBuiltin(cmd)
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, store, msgr, &fakeGenerator{})

	d.Handle(context.Background(), domain.InboundEvent{SenderID: "u1", Text: "-bogus"}, testProfile())

	if cmd.invoked {
		t.Error("no plugin may be invoked for an unknown command")
	}
	if len(msgr.texts) != 1 || !strings.Contains(msgr.texts[0], "-bogus") {
		t.Fatalf("expected unknown-command notice naming bogus, got %v", msgr.texts)
	}
	// Notice mirrored as a bot-authored record.
	last := store.mirrored[len(store.mirrored)-1]
	if last.sender != domain.SenderBot || !strings.Contains(last.content, "-bogus") {
		t.Errorf("notice not mirrored as bot record: %+v", last)
	}
}

func TestHandle_CommandInvokedWithArgs(t *testing.T) {
	reg, _ := newTestRegistry(t)
	var gotInv domain.Invocation
	reg.RegisterBuiltin(&funcCommand{name: "echo", fn: func(inv domain.Invocation) (domain.Result, error) {
		gotInv = inv
		return domain.Reply("echo: " + strings.Join(inv.Args, " ")), nil
	}})
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, newFakeStore(), msgr, &fakeGenerator{})

	d.Handle(context.Background(), domain.InboundEvent{SenderID: "u1", Text: "-ECHO hello   world"}, testProfile())

	if gotInv.SenderID != "u1" {
		t.Errorf("unexpected sender: %q", gotInv.SenderID)
	}
	if len(gotInv.Args) != 2 || gotInv.Args[0] != "hello" || gotInv.Args[1] != "world" {
		t.Errorf("unexpected args: %v", gotInv.Args)
	}
	if gotInv.Prefix != "-" {
		t.Errorf("unexpected prefix: %q", gotInv.Prefix)
	}
	if len(msgr.texts) != 1 || msgr.texts[0] != "echo: hello world" {
		t.Errorf("reply not delivered: %v", msgr.texts)
	}
}

func TestHandle_HelpWithEmptyRegistry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.RegisterBuiltin(&helpCommand{registry: reg})
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, newFakeStore(), msgr, &fakeGenerator{})

	d.Handle(context.Background(), domain.InboundEvent{SenderID: "u1", Text: "-help"}, testProfile())

	if len(msgr.texts) != 1 || !strings.Contains(msgr.texts[0], "No commands found") {
		t.Errorf("expected no-commands response, got %v", msgr.texts)
	}
}

func TestHandle_CommandErrorBecomesGenericNotice(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.RegisterBuiltin(&recordingCommand{name: "boom", err: fmt.Errorf("exploded")})
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, newFakeStore(), msgr, &fakeGenerator{})

	d.Handle(context.Background(), domain.InboundEvent{SenderID: "u1", Text: "-boom"}, testProfile())

	if len(msgr.texts) != 1 || msgr.texts[0] != genericFailure {
		t.Errorf("expected generic failure notice, got %v", msgr.texts)
	}
}

func TestHandle_CommandPanicContained(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.RegisterBuiltin(&funcCommand{name: "panic", fn: func(domain.Invocation) (domain.Result, error) {
		panic("boom")
	}})
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, newFakeStore(), msgr, &fakeGenerator{})

	d.Handle(context.Background(), domain.InboundEvent{SenderID: "u1", Text: "-panic"}, testProfile())

	if len(msgr.texts) != 1 || msgr.texts[0] != genericFailure {
		t.Errorf("panic should surface as generic failure, got %v", msgr.texts)
	}
}

func TestHandle_FreeformUsesHistoryAndMirrorsBothSides(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	store.history["u1"] = []domain.ConversationRecord{
		{Role: domain.RoleUser, Content: "earlier", Type: domain.TypeText},
	}
	gen := &fakeGenerator{reply: "soft vibes"}
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, store, msgr, gen)

	d.Handle(context.Background(), domain.InboundEvent{SenderID: "u1", Text: "hello there"}, testProfile())

	if gen.gotText != "hello there" {
		t.Errorf("generator got %q", gen.gotText)
	}
	if len(gen.gotHist) != 1 || gen.gotHist[0].Content != "earlier" {
		t.Errorf("generator did not receive rolling history: %v", gen.gotHist)
	}
	if len(msgr.texts) != 1 || msgr.texts[0] != "soft vibes" {
		t.Errorf("generated reply not sent: %v", msgr.texts)
	}

	// Inbound mirrored as user, reply mirrored as bot.
	if len(store.mirrored) != 2 {
		t.Fatalf("expected 2 mirrored records, got %d", len(store.mirrored))
	}
	if store.mirrored[0].sender != domain.SenderUser || store.mirrored[0].content != "hello there" {
		t.Errorf("inbound not mirrored: %+v", store.mirrored[0])
	}
	if store.mirrored[1].sender != domain.SenderBot || store.mirrored[1].content != "soft vibes" {
		t.Errorf("reply not mirrored: %+v", store.mirrored[1])
	}
}

func TestHandle_GeneratorErrorBecomesGenericNotice(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{err: fmt.Errorf("provider down")}
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, newFakeStore(), msgr, gen)

	d.Handle(context.Background(), domain.InboundEvent{SenderID: "u1", Text: "hello"}, testProfile())

	if len(msgr.texts) != 1 || msgr.texts[0] != genericFailure {
		t.Errorf("expected generic failure notice, got %v", msgr.texts)
	}
}

func TestHandle_AttachmentOnlyAcknowledged(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, store, msgr, &fakeGenerator{})

	d.Handle(context.Background(), domain.InboundEvent{
		SenderID:    "u1",
		Attachments: []domain.Attachment{{Type: "image"}},
	}, testProfile())

	if len(msgr.texts) != 1 || msgr.texts[0] != attachmentAck {
		t.Errorf("expected attachment acknowledgement, got %v", msgr.texts)
	}
	if store.mirrored[0].msgType != domain.TypeAttachment {
		t.Errorf("inbound attachment not mirrored as attachment: %+v", store.mirrored[0])
	}
}

func TestHandle_AttachmentResultDelivered(t *testing.T) {
	reg, _ := newTestRegistry(t)
	att := domain.Attachment{Type: "image", URL: "https://example.com/x.jpg"}
	reg.RegisterBuiltin(&recordingCommand{name: "pic", result: domain.ReplyMedia(att, "caption")})
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, newFakeStore(), msgr, &fakeGenerator{})

	d.Handle(context.Background(), domain.InboundEvent{SenderID: "u1", Text: "-pic"}, testProfile())

	if len(msgr.attachments) != 1 || msgr.attachments[0].URL != att.URL {
		t.Errorf("attachment not delivered: %v", msgr.attachments)
	}
	if len(msgr.texts) != 1 || msgr.texts[0] != "caption" {
		t.Errorf("caption not delivered: %v", msgr.texts)
	}
}

func TestHandle_SendFailureDoesNotPanic(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{reply: "hi"}
	d := newTestDispatcher(t, reg, newFakeStore(), &fakeMessenger{failSend: true}, gen)

	// Must complete without error so the webhook can still acknowledge.
	d.Handle(context.Background(), domain.InboundEvent{SenderID: "u1", Text: "hello"}, testProfile())
}

func TestHandle_NoSenderSkipped(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	msgr := &fakeMessenger{}
	d := newTestDispatcher(t, reg, store, msgr, &fakeGenerator{reply: "hi"})

	d.Handle(context.Background(), domain.InboundEvent{Text: "hello"}, testProfile())

	if len(msgr.texts) != 0 || len(store.mirrored) != 0 {
		t.Error("events without a sender must be skipped entirely")
	}
}

// funcCommand adapts a closure into a command.
type funcCommand struct {
	name string
	fn   func(domain.Invocation) (domain.Result, error)
}

func (c *funcCommand) Name() string        { return c.name }
func (c *funcCommand) Description() string { return "test command" }
func (c *funcCommand) Execute(_ context.Context, inv domain.Invocation) (domain.Result, error) {
	return c.fn(inv)
}
