// Package graph is the Facebook Graph API client: outbound Messenger
// delivery, page feed posts, and page-token validation/refresh.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"korabot/internal/domain"
)

const (
	defaultAPIBase = "https://graph.facebook.com/v19.0"

	// Messenger rejects text payloads beyond 2000 characters; long replies
	// are chunked at whitespace and sent as independent messages in order.
	maxMessageLen = 2000
)

// SendAuditor records the outcome of outbound delivery attempts.
type SendAuditor interface {
	LogSendStatus(ctx context.Context, senderID, msgType, status, errMsg string, metadata map[string]any) error
}

// TokenSource supplies and persists refresh credentials for profiles.
type TokenSource interface {
	Refresh(profileID string) (domain.RefreshInfo, bool)
	SetRefresh(profileID string, info domain.RefreshInfo) error
	SetPageAccessToken(profileID, token string) error
}

// Config configures the Graph API client.
type Config struct {
	APIBase   string // override for tests
	AppID     string
	AppSecret string
	Timeout   time.Duration
}

// Client talks to the Facebook Graph API on behalf of bot profiles.
type Client struct {
	apiBase   string
	appID     string
	appSecret string
	client    *http.Client
	tokens    TokenSource
	audit     SendAuditor
	logger    *slog.Logger
}

func NewClient(cfg Config, tokens TokenSource, audit SendAuditor, logger *slog.Logger) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		apiBase:   strings.TrimRight(cfg.APIBase, "/"),
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		client:    &http.Client{Timeout: cfg.Timeout},
		tokens:    tokens,
		audit:     audit,
		logger:    logger,
	}
}

// graphError is the error envelope the Graph API returns.
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// ValidateToken checks a page access token against the /me endpoint.
// A network failure is returned as an error, not treated as invalid.
func (c *Client) ValidateToken(ctx context.Context, token string) (bool, error) {
	u := fmt.Sprintf("%s/me?access_token=%s", c.apiBase, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("token validation request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}

	var ge graphError
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Message != "" {
		c.logger.Warn("token validation failed", "code", ge.Error.Code, "message", ge.Error.Message)
		return false, nil
	}
	return resp.StatusCode == http.StatusOK, nil
}

// RefreshToken exchanges a long-lived token for a fresh one and persists it
// on the profile. Returns the new page access token.
func (c *Client) RefreshToken(ctx context.Context, profileID, refreshToken string) (string, error) {
	if c.appID == "" || c.appSecret == "" {
		return "", fmt.Errorf("facebook app credentials not configured")
	}

	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", c.appID)
	q.Set("client_secret", c.appSecret)
	q.Set("fb_exchange_token", refreshToken)

	u := fmt.Sprintf("%s/oauth/access_token?%s", c.apiBase, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse token refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token refresh returned no access token")
	}

	if err := c.tokens.SetPageAccessToken(profileID, payload.AccessToken); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	// The new long-lived token becomes the next refresh credential.
	info := domain.RefreshInfo{
		LastRefresh:  time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second),
		RefreshToken: payload.AccessToken,
	}
	if err := c.tokens.SetRefresh(profileID, info); err != nil {
		return "", fmt.Errorf("persist refresh info: %w", err)
	}

	c.logger.Info("refreshed page access token", "profile", profileID)
	return payload.AccessToken, nil
}

// ensureToken validates the profile's token and, when invalid, attempts
// exactly one refresh. Returns the token to use for the send.
func (c *Client) ensureToken(ctx context.Context, profile *domain.BotProfile) (string, error) {
	valid, err := c.ValidateToken(ctx, profile.PageAccessToken)
	if err != nil {
		return "", err
	}
	if valid {
		return profile.PageAccessToken, nil
	}

	info, ok := c.tokens.Refresh(profile.ID)
	if !ok || info.RefreshToken == "" {
		return "", fmt.Errorf("access token expired and no refresh token available")
	}
	newToken, err := c.RefreshToken(ctx, profile.ID, info.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("access token expired and refresh failed: %w", err)
	}
	return newToken, nil
}

// SendText delivers text to a recipient, chunking long messages at
// whitespace boundaries. Each chunk is an independent Messenger message,
// sent in order.
func (c *Client) SendText(ctx context.Context, recipientID, text string, profile *domain.BotProfile) error {
	token, err := c.ensureToken(ctx, profile)
	if err != nil {
		c.auditFail(ctx, recipientID, domain.TypeText, err)
		return err
	}

	for _, chunk := range SplitMessage(text, maxMessageLen) {
		payload := map[string]any{
			"messaging_type": "RESPONSE",
			"recipient":      map[string]string{"id": recipientID},
			"message":        map[string]string{"text": chunk},
		}
		meta, err := c.post(ctx, "/me/messages", token, payload)
		if err != nil {
			c.auditFail(ctx, recipientID, domain.TypeText, err)
			return err
		}
		c.auditOK(ctx, recipientID, domain.TypeText, meta)
	}
	return nil
}

// SendAttachment delivers a hosted media attachment (image, audio, ...).
func (c *Client) SendAttachment(ctx context.Context, recipientID string, att domain.Attachment, profile *domain.BotProfile) error {
	token, err := c.ensureToken(ctx, profile)
	if err != nil {
		c.auditFail(ctx, recipientID, domain.TypeAttachment, err)
		return err
	}

	payload := map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message": map[string]any{
			"attachment": map[string]any{
				"type": att.Type,
				"payload": map[string]any{
					"url":         att.URL,
					"is_reusable": true,
				},
			},
		},
	}
	meta, err := c.post(ctx, "/me/messages", token, payload)
	if err != nil {
		c.auditFail(ctx, recipientID, domain.TypeAttachment, err)
		return err
	}
	c.auditOK(ctx, recipientID, domain.TypeAttachment, meta)
	return nil
}

// PostToFeed publishes a message to the page's own timeline and returns
// the created post ID.
func (c *Client) PostToFeed(ctx context.Context, message string, profile *domain.BotProfile) (string, error) {
	token, err := c.ensureToken(ctx, profile)
	if err != nil {
		return "", err
	}

	meta, err := c.post(ctx, "/me/feed", token, map[string]any{"message": message})
	if err != nil {
		return "", err
	}
	id, _ := meta["id"].(string)
	return id, nil
}

// post issues a JSON POST to the Graph API and decodes the response.
func (c *Client) post(ctx context.Context, path, token string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s%s?access_token=%s", c.apiBase, path, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var ge graphError
		if json.Unmarshal(respBody, &ge) == nil && ge.Error.Message != "" {
			return nil, fmt.Errorf("graph %s: %s (code %d)", path, ge.Error.Message, ge.Error.Code)
		}
		return nil, fmt.Errorf("graph %s returned %d: %s", path, resp.StatusCode, truncate(string(respBody), 200))
	}

	var meta map[string]any
	_ = json.Unmarshal(respBody, &meta)
	return meta, nil
}

func (c *Client) auditOK(ctx context.Context, recipientID, msgType string, meta map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.LogSendStatus(ctx, recipientID, msgType, "success", "", meta); err != nil {
		c.logger.Warn("cannot write send audit", "err", err)
	}
}

func (c *Client) auditFail(ctx context.Context, recipientID, msgType string, sendErr error) {
	if c.audit == nil {
		return
	}
	if err := c.audit.LogSendStatus(ctx, recipientID, msgType, "failed", sendErr.Error(), nil); err != nil {
		c.logger.Warn("cannot write send audit", "err", err)
	}
}

// SplitMessage splits text into chunks not exceeding maxLen, preferring
// whitespace boundaries.
func SplitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cut := strings.LastIndex(text[:maxLen], " ")
		if cut <= 0 {
			// No whitespace to break on. Back the hard cut up to a rune
			// boundary so a multi-byte character is never split.
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	return chunks
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
