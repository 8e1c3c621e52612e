package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"korabot/internal/domain"
)

const (
	defaultStableHordeBase  = "https://stablehorde.net/api/v2"
	defaultPollinationsBase = "https://image.pollinations.ai"

	// Generation polling is bounded: a job that is not done after
	// pollAttempts checks fails with a timeout instead of waiting forever.
	pollInterval = 5 * time.Second
	pollAttempts = 24 // 2 minutes
)

// --- image (Stable Horde) ---

type imageCommand struct {
	base   string
	apiKey string
	client *http.Client
}

func newImageCommand(deps BuiltinDeps) *imageCommand {
	base := deps.StableHordeBase
	if base == "" {
		base = defaultStableHordeBase
	}
	return &imageCommand{
		base:   strings.TrimRight(base, "/"),
		apiKey: deps.Integrations.StableHordeKey,
		client: deps.HTTPClient,
	}
}

func (c *imageCommand) Name() string { return "image" }
func (c *imageCommand) Description() string {
	return "Generate images using Stable Horde. Usage: image [prompt]"
}

func (c *imageCommand) Execute(ctx context.Context, inv domain.Invocation) (domain.Result, error) {
	if len(inv.Args) == 0 {
		return domain.Reply(fmt.Sprintf(
			"Usage: %simage [prompt]. Example: %simage A dragon flying over mountains.",
			inv.Prefix, inv.Prefix)), nil
	}
	prompt := strings.Join(inv.Args, " ")

	id, err := c.submit(ctx, prompt)
	if err != nil {
		return domain.Silent(), fmt.Errorf("submit generation: %w", err)
	}

	imageURL, err := c.await(ctx, id)
	if err != nil {
		return domain.Silent(), fmt.Errorf("generation %s: %w", id, err)
	}
	if imageURL == "" {
		return domain.Reply("❌ Image generation failed. No image URL returned."), nil
	}

	att := domain.Attachment{Type: "image", URL: imageURL}
	return domain.ReplyMedia(att, fmt.Sprintf("Here's your image for \"%s\"!", prompt)), nil
}

// submit enqueues an async generation job and returns its ID.
func (c *imageCommand) submit(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt": prompt,
		"params": map[string]any{"n": 1},
		"models": []string{"stable_diffusion", "stable_diffusion_xl"},
		"shared": true,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/generate/async", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("no generation id returned")
	}
	return resp.ID, nil
}

// await polls the job until done, with a bounded number of attempts.
func (c *imageCommand) await(ctx context.Context, id string) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		var check struct {
			Done bool `json:"done"`
		}
		if err := c.call(ctx, http.MethodGet, "/generate/check/"+url.PathEscape(id), nil, &check); err != nil {
			return "", err
		}
		if !check.Done {
			continue
		}

		var status struct {
			Generations []struct {
				Img string `json:"img"`
			} `json:"generations"`
		}
		if err := c.call(ctx, http.MethodGet, "/generate/status/"+url.PathEscape(id), nil, &status); err != nil {
			return "", err
		}
		if len(status.Generations) == 0 {
			return "", nil
		}
		return status.Generations[0].Img, nil
	}

	return "", fmt.Errorf("timed out after %d polls", pollAttempts)
}

func (c *imageCommand) call(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("stable horde %s returned %d", path, resp.StatusCode)
	}
	return json.Unmarshal(respBody, out)
}

// --- fastgen (AI4Chat) ---

const (
	defaultAI4ChatBase = "https://www.ai4chat.co"
	fastgenImageCount  = 4
	defaultAspectRatio = "16:9"
)

var aspectRatioPattern = regexp.MustCompile(`--ar\s*(\d+:\d+)`)

// fastgenCommand generates a batch of images and delivers them itself,
// one message per image, which is why it holds a Messenger instead of
// returning a single attachment.
type fastgenCommand struct {
	base      string
	client    *http.Client
	messenger domain.Messenger
	logger    *slog.Logger
}

func newFastgenCommand(deps BuiltinDeps) *fastgenCommand {
	base := deps.AI4ChatBase
	if base == "" {
		base = defaultAI4ChatBase
	}
	return &fastgenCommand{
		base:      strings.TrimRight(base, "/"),
		client:    deps.HTTPClient,
		messenger: deps.Messenger,
		logger:    deps.Logger,
	}
}

func (c *fastgenCommand) Name() string { return "fastgen" }
func (c *fastgenCommand) Description() string {
	return "Generates up to 4 AI images based on a prompt using AI4Chat."
}

func (c *fastgenCommand) Execute(ctx context.Context, inv domain.Invocation) (domain.Result, error) {
	raw := strings.TrimSpace(strings.Join(inv.Args, " "))
	if raw == "" {
		return domain.Reply(fmt.Sprintf(
			"⚠️ Please provide a prompt. Example:\n%sfastgen a futuristic city --ar 1:1", inv.Prefix)), nil
	}

	aspectRatio := defaultAspectRatio
	if m := aspectRatioPattern.FindStringSubmatch(raw); m != nil {
		aspectRatio = m[1]
	}
	prompt := strings.TrimSpace(aspectRatioPattern.ReplaceAllString(raw, ""))

	if err := c.messenger.SendText(ctx,
		inv.SenderID,
		fmt.Sprintf("🧠 Generating images for: \"%s\"\nPlease wait...", prompt),
		inv.Profile,
	); err != nil {
		c.logger.Warn("fastgen progress notice failed", "err", err)
	}

	var links []string
	for i := 0; i < fastgenImageCount; i++ {
		link, err := c.generate(ctx, prompt, aspectRatio)
		if err != nil {
			c.logger.Warn("fastgen generation failed", "index", i, "err", err)
			continue
		}
		if link != "" {
			links = append(links, link)
		}
	}
	if len(links) == 0 {
		return domain.Reply("❌ Sorry, no images were generated. Please try again."), nil
	}

	for _, link := range links {
		att := domain.Attachment{Type: "image", URL: link}
		if err := c.messenger.SendAttachment(ctx, inv.SenderID, att, inv.Profile); err != nil {
			c.logger.Warn("fastgen image delivery failed", "url", link, "err", err)
		}
	}
	return domain.Reply(fmt.Sprintf("✅ Done! Here are your images for: \"%s\"", prompt)), nil
}

func (c *fastgenCommand) generate(ctx context.Context, prompt, aspectRatio string) (string, error) {
	q := url.Values{}
	q.Set("prompt", prompt)
	q.Set("aspect_ratio", aspectRatio)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/image/generate?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ai4chat returned %d", resp.StatusCode)
	}
	var out struct {
		ImageLink string `json:"image_link"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", err
	}
	return out.ImageLink, nil
}

// --- poli (Pollinations) ---

type poliCommand struct {
	base string
}

func newPoliCommand(deps BuiltinDeps) *poliCommand {
	base := deps.PollinationsBase
	if base == "" {
		base = defaultPollinationsBase
	}
	return &poliCommand{base: strings.TrimRight(base, "/")}
}

func (c *poliCommand) Name() string { return "poli" }
func (c *poliCommand) Description() string {
	return "Generates an AI image using Pollinations.ai (e.g. bees pollinating flowers)."
}

func (c *poliCommand) Execute(_ context.Context, inv domain.Invocation) (domain.Result, error) {
	prompt := "bee pollinating a flower"
	if len(inv.Args) > 0 {
		prompt = strings.Join(inv.Args, " ")
	}

	imageURL := fmt.Sprintf("%s/prompt/%s.jpg", c.base, url.PathEscape("realistic "+prompt))
	att := domain.Attachment{Type: "image", URL: imageURL}
	return domain.ReplyMedia(att, fmt.Sprintf("Here's your AI-generated image of: %s", prompt)), nil
}
