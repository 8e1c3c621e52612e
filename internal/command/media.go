package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"

	"korabot/internal/domain"
)

const (
	defaultVoiceRSSBase = "https://api.voicerss.org"
	defaultTMDbBase     = "https://api.themoviedb.org/3"
	tmdbImageBase       = "https://image.tmdb.org/t/p/w500"
)

// --- tts (VoiceRSS) ---

type ttsCommand struct {
	base   string
	apiKey string
}

func newTTSCommand(deps BuiltinDeps) *ttsCommand {
	base := deps.VoiceRSSBase
	if base == "" {
		base = defaultVoiceRSSBase
	}
	return &ttsCommand{
		base:   strings.TrimRight(base, "/"),
		apiKey: deps.Integrations.VoiceRSSKey,
	}
}

func (c *ttsCommand) Name() string        { return "tts" }
func (c *ttsCommand) Description() string { return "Converts text to speech and sends audio." }

func (c *ttsCommand) Execute(_ context.Context, inv domain.Invocation) (domain.Result, error) {
	text := strings.Join(inv.Args, " ")
	if text == "" {
		return domain.Reply("⚠️ | Please provide text to convert to speech."), nil
	}
	if c.apiKey == "" {
		return domain.Reply("❌ | Text-to-speech is not configured."), nil
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("hl", "en-us")
	q.Set("src", text)
	q.Set("c", "MP3")
	q.Set("f", "44khz_16bit_stereo")

	att := domain.Attachment{Type: "audio", URL: c.base + "/?" + q.Encode()}
	return domain.ReplyMedia(att, ""), nil
}

// --- muvie (TMDb) ---

type muvieCommand struct {
	base   string
	apiKey string
	client *http.Client
}

func newMuvieCommand(deps BuiltinDeps) *muvieCommand {
	base := deps.TMDbBase
	if base == "" {
		base = defaultTMDbBase
	}
	return &muvieCommand{
		base:   strings.TrimRight(base, "/"),
		apiKey: deps.Integrations.TMDbKey,
		client: deps.HTTPClient,
	}
}

func (c *muvieCommand) Name() string { return "muvie" }
func (c *muvieCommand) Description() string {
	return "Fetches a random popular movie from TMDb with full details."
}

type tmdbMovie struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	ReleaseDate string  `json:"release_date"`
	Overview    string  `json:"overview"`
	VoteAverage float64 `json:"vote_average"`
	PosterPath  string  `json:"poster_path"`
	Genres      []struct {
		Name string `json:"name"`
	} `json:"genres"`
}

func (c *muvieCommand) Execute(ctx context.Context, _ domain.Invocation) (domain.Result, error) {
	if c.apiKey == "" {
		return domain.Reply("❌ | Movie lookups are not configured."), nil
	}

	var popular struct {
		Results []tmdbMovie `json:"results"`
	}
	if err := c.get(ctx, "/movie/popular?language=en-US&page=1", &popular); err != nil {
		return domain.Silent(), fmt.Errorf("fetch popular movies: %w", err)
	}
	if len(popular.Results) == 0 {
		return domain.Reply("❌ | No movies found right now."), nil
	}
	pick := popular.Results[rand.IntN(len(popular.Results))]

	var details tmdbMovie
	if err := c.get(ctx, fmt.Sprintf("/movie/%d?language=en-US", pick.ID), &details); err != nil {
		return domain.Silent(), fmt.Errorf("fetch movie details: %w", err)
	}

	genres := make([]string, len(details.Genres))
	for i, g := range details.Genres {
		genres[i] = g.Name
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🎬 %s (%s)\n\n", details.Title, details.ReleaseDate)
	if len(genres) > 0 {
		fmt.Fprintf(&sb, "Genres: %s\n", strings.Join(genres, ", "))
	}
	fmt.Fprintf(&sb, "Rating: %.1f/10\n\n%s", details.VoteAverage, details.Overview)

	if details.PosterPath != "" {
		att := domain.Attachment{Type: "image", URL: tmdbImageBase + details.PosterPath}
		return domain.ReplyMedia(att, sb.String()), nil
	}
	return domain.Reply(sb.String()), nil
}

func (c *muvieCommand) get(ctx context.Context, path string, out any) error {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	u := c.base + path + sep + "api_key=" + url.QueryEscape(c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tmdb %s returned %d", path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
