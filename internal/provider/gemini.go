// Package provider implements the freeform reply generators.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"korabot/internal/domain"
)

const (
	defaultGeminiBase  = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel = "gemini-1.5-flash"
	defaultHTTPTimeout = 60 * time.Second
)

// personaPreamble opens every generation prompt; the bot always speaks as
// KORA AI.
const personaPreamble = "Your name is KORA AI. Reply with soft vibes. Here's our conversation so far:\n\n"

// Gemini generates replies through the Google Generative Language REST API.
// The API key is supplied per call because keys live on bot profiles.
type Gemini struct {
	apiBase string
	model   string
	client  *http.Client
	retry   retryPolicy
	logger  *slog.Logger
}

type GeminiConfig struct {
	APIBase string
	Model   string
	// MaxRetries caps additional attempts after the first; 0 means the
	// default policy.
	MaxRetries int
	Logger     *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultGeminiBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	retry := defaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		retry.retries = cfg.MaxRetries
	}
	return &Gemini{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		retry:   retry,
		logger:  cfg.Logger,
	}
}

func (g *Gemini) Name() string { return "gemini" }

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// Generate produces a reply for the user text given the rolling history.
func (g *Gemini) Generate(ctx context.Context, apiKey, text string, history []domain.ConversationRecord) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("gemini: no API key configured")
	}

	prompt := BuildPrompt(text, history)
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	u := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.apiBase, g.model, apiKey)
	resp, err := g.retry.do(ctx, g.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, g.logger)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse gemini response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("gemini: %s (code %d)", parsed.Error.Message, parsed.Error.Code)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

// BuildPrompt renders the persona preamble, the rolling history, and the
// new user text into one generation prompt.
func BuildPrompt(text string, history []domain.ConversationRecord) string {
	var sb strings.Builder
	sb.WriteString(personaPreamble)
	for _, rec := range history {
		speaker := "KORA AI"
		if rec.Role == domain.RoleUser {
			speaker = "User"
		}
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(rec.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\nUser: ")
	sb.WriteString(text)
	sb.WriteString("\nKORA AI:")
	return sb.String()
}
