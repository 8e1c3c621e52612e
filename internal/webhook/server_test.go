package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"korabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeHandler struct {
	events []domain.InboundEvent
}

func (h *fakeHandler) Handle(_ context.Context, ev domain.InboundEvent, _ *domain.BotProfile) {
	h.events = append(h.events, ev)
}

type fakeProfiles struct {
	profiles []domain.BotProfile
	updated  *domain.BotProfile
	refresh  map[string]domain.RefreshInfo
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{
		profiles: []domain.BotProfile{{
			ID:              domain.DefaultProfileID,
			VerifyToken:     "Hassan",
			PageAccessToken: "page-token",
			GeminiKey:       "key",
		}},
		refresh: make(map[string]domain.RefreshInfo),
	}
}

func (p *fakeProfiles) Active() (*domain.BotProfile, bool) {
	if len(p.profiles) == 0 {
		return nil, false
	}
	out := p.profiles[0]
	return &out, true
}

func (p *fakeProfiles) All() []domain.BotProfile        { return p.profiles }
func (p *fakeProfiles) Configured() []domain.BotProfile { return p.profiles }

func (p *fakeProfiles) FindByVerifyToken(token string) (*domain.BotProfile, bool) {
	for _, prof := range p.profiles {
		if token != "" && prof.VerifyToken == token {
			out := prof
			return &out, true
		}
	}
	return nil, false
}

func (p *fakeProfiles) Update(prof domain.BotProfile) error {
	p.updated = &prof
	return nil
}

func (p *fakeProfiles) SetRefresh(id string, info domain.RefreshInfo) error {
	p.refresh[id] = info
	return nil
}

type fakeValidator struct {
	valid bool
	err   error
}

func (v *fakeValidator) ValidateToken(context.Context, string) (bool, error) {
	return v.valid, v.err
}

type fakeHistory struct {
	records map[string][]domain.ConversationRecord
	log     map[string][]domain.LogEntry
	err     error
}

func (h *fakeHistory) History(_ context.Context, userID string) ([]domain.ConversationRecord, error) {
	return h.records[userID], h.err
}

func (h *fakeHistory) RecentLog(_ context.Context, userID string, _ int) ([]domain.LogEntry, error) {
	return h.log[userID], h.err
}

type fixture struct {
	srv      *httptest.Server
	handler  *fakeHandler
	profiles *fakeProfiles
	valid    *fakeValidator
	history  *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		handler:  &fakeHandler{},
		profiles: newFakeProfiles(),
		valid:    &fakeValidator{valid: true},
		history: &fakeHistory{
			records: make(map[string][]domain.ConversationRecord),
			log:     make(map[string][]domain.LogEntry),
		},
	}
	s := NewServer(Config{AdminCode: "ICU14CU", Logger: testLogger()},
		f.handler, f.profiles, f.valid, f.history)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(respBody)
}

func TestVerify_MatchingTokenEchoesChallenge(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/webhook?hub.mode=subscribe&hub.verify_token=Hassan&hub.challenge=challenge-42")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "challenge-42" {
		t.Errorf("expected challenge echo, got %q", body)
	}
}

func TestVerify_WrongTokenForbidden(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{
		"hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=c",
		"hub.mode=unsubscribe&hub.verify_token=Hassan&hub.challenge=c",
		"hub.challenge=c",
	} {
		resp, _ := f.get(t, "/webhook?"+q)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("query %q: expected 403, got %d", q, resp.StatusCode)
		}
	}
}

func TestEvents_ProcessedInOrderThenAcknowledged(t *testing.T) {
	f := newFixture(t)
	payload := `{
		"object": "page",
		"entry": [
			{"messaging": [
				{"sender": {"id": "u1"}, "message": {"text": "first"}},
				{"sender": {"id": "u2"}, "message": {"text": "second"}}
			]},
			{"messaging": [
				{"sender": {"id": "u3"}, "message": {"text": "third"}}
			]}
		]
	}`

	resp, body := f.post(t, "/webhook", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "EVENT_RECEIVED" {
		t.Errorf("expected EVENT_RECEIVED, got %q", body)
	}

	if len(f.handler.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(f.handler.events))
	}
	for i, want := range []string{"first", "second", "third"} {
		if f.handler.events[i].Text != want {
			t.Errorf("event %d: expected %q, got %q", i, want, f.handler.events[i].Text)
		}
	}
}

func TestEvents_NonPageObjectNotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/webhook", `{"object": "user", "entry": []}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if len(f.handler.events) != 0 {
		t.Error("no events should be dispatched for a non-page object")
	}
}

func TestEvents_InvalidJSONRejected(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/webhook", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEvents_AttachmentsCarried(t *testing.T) {
	f := newFixture(t)
	payload := `{
		"object": "page",
		"entry": [{"messaging": [
			{"sender": {"id": "u1"}, "message": {"attachments": [
				{"type": "image", "payload": {"url": "https://example.com/a.jpg"}}
			]}}
		]}]
	}`

	resp, _ := f.post(t, "/webhook", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(f.handler.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(f.handler.events))
	}
	ev := f.handler.events[0]
	if ev.Text != "" || len(ev.Attachments) != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Attachments[0].Type != "image" || ev.Attachments[0].URL != "https://example.com/a.jpg" {
		t.Errorf("unexpected attachment: %+v", ev.Attachments[0])
	}
}

func TestSetTokens_MissingFieldsRejected(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/set-tokens", `{"verifyToken": "v"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Required fields") {
		t.Errorf("unexpected body: %q", body)
	}
	if f.profiles.updated != nil {
		t.Error("nothing may be persisted on a rejected request")
	}
}

func TestSetTokens_InvalidPageTokenRejected(t *testing.T) {
	f := newFixture(t)
	f.valid.valid = false
	resp, body := f.post(t, "/set-tokens",
		`{"verifyToken": "v", "pageAccessToken": "bad", "geminiKey": "g"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "Invalid Page Access Token") {
		t.Errorf("unexpected body: %q", body)
	}
	if f.profiles.updated != nil {
		t.Error("invalid token must not be persisted")
	}
}

func TestSetTokens_ValidationErrorRejected(t *testing.T) {
	f := newFixture(t)
	f.valid.err = fmt.Errorf("graph unreachable")
	resp, _ := f.post(t, "/set-tokens",
		`{"verifyToken": "v", "pageAccessToken": "t", "geminiKey": "g"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSetTokens_UpdatesProfileAndRefreshData(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/set-tokens",
		`{"verifyToken": "new-verify", "pageAccessToken": "new-page", "geminiKey": "new-key", "refreshToken": "long-lived"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	p := f.profiles.updated
	if p == nil {
		t.Fatal("profile was not updated")
	}
	if p.ID != domain.DefaultProfileID || p.VerifyToken != "new-verify" || p.PageAccessToken != "new-page" || p.GeminiKey != "new-key" {
		t.Errorf("unexpected profile: %+v", p)
	}

	info, ok := f.profiles.refresh[domain.DefaultProfileID]
	if !ok || info.RefreshToken != "long-lived" {
		t.Errorf("refresh data not stored: %+v", info)
	}
	if !info.ExpiresAt.After(info.LastRefresh) {
		t.Error("refresh expiry should be in the future")
	}
}

func TestHistory_RequiresUserID(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/history?adminCode=ICU14CU")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHistory_RequiresAdminCode(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"userId=u1", "userId=u1&adminCode=wrong"} {
		resp, _ := f.get(t, "/history?"+q)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("query %q: expected 403, got %d", q, resp.StatusCode)
		}
	}
}

func TestHistory_ReturnsConversation(t *testing.T) {
	f := newFixture(t)
	f.history.records["u1"] = []domain.ConversationRecord{
		{Role: domain.RoleUser, Content: "hi", Type: domain.TypeText},
		{Role: domain.RoleAssistant, Content: "hello", Type: domain.TypeText},
	}

	resp, body := f.get(t, "/history?userId=u1&adminCode=ICU14CU")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out struct {
		UserID  string                     `json:"userId"`
		History []domain.ConversationRecord `json:"conversationHistory"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatal(err)
	}
	if out.UserID != "u1" || len(out.History) != 2 {
		t.Fatalf("unexpected response: %s", body)
	}
	if out.History[0].Content != "hi" || out.History[1].Role != domain.RoleAssistant {
		t.Errorf("unexpected history: %+v", out.History)
	}
}

func TestHistory_UnknownUserEmptyList(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/history?userId=nobody&adminCode=ICU14CU")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"conversationHistory":[]`) {
		t.Errorf("expected empty history array, got %s", body)
	}
}

func TestLogs_ReturnsNewestFirstEntries(t *testing.T) {
	f := newFixture(t)
	f.history.log["u1"] = []domain.LogEntry{
		{ID: 2, UserID: "u1", Message: "hello", Sender: domain.SenderBot, Type: domain.TypeText},
		{ID: 1, UserID: "u1", Message: "hi", Sender: domain.SenderUser, Type: domain.TypeText},
	}

	resp, _ := f.get(t, "/logs?userId=u1")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing admin code must be refused, got %d", resp.StatusCode)
	}

	resp, body := f.get(t, "/logs?userId=u1&adminCode=ICU14CU")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out struct {
		UserID string            `json:"userId"`
		Log    []domain.LogEntry `json:"log"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatal(err)
	}
	if out.UserID != "u1" || len(out.Log) != 2 || out.Log[0].ID != 2 {
		t.Errorf("unexpected log payload: %s", body)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Status   string `json:"status"`
		BotCount int    `json:"botCount"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "OK" || out.BotCount != 1 {
		t.Errorf("unexpected health payload: %s", body)
	}
}

func TestBots_ListsWithoutSecrets(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/bots")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, domain.DefaultProfileID) {
		t.Errorf("expected profile listing, got %s", body)
	}
	if strings.Contains(body, "page-token") || strings.Contains(body, `"geminiKey"`) {
		t.Errorf("credentials must not leak: %s", body)
	}
}
