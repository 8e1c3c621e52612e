package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"korabot/internal/config"
	"korabot/internal/domain"
)

// helpMaxLen keeps the help listing within one Messenger text payload.
const helpMaxLen = 1990

// FeedPoster publishes to the page's own timeline.
type FeedPoster interface {
	PostToFeed(ctx context.Context, message string, profile *domain.BotProfile) (string, error)
}

// BuiltinDeps wires the compiled-in command table.
type BuiltinDeps struct {
	Poster         FeedPoster
	Messenger      domain.Messenger // for commands that deliver several messages themselves
	AdminUIDs      []string
	InstallOrigins []string
	Integrations   config.IntegrationsConfig
	HTTPClient     *http.Client
	Exit           func(code int) // defaults to os.Exit
	Logger         *slog.Logger

	// Service base URL overrides, used by tests.
	StableHordeBase  string
	PollinationsBase string
	AI4ChatBase      string
	VoiceRSSBase     string
	TMDbBase         string
}

// RegisterBuiltins installs the fixed command table into the registry.
// Call once before the first Load.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Exit == nil {
		deps.Exit = os.Exit
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r.RegisterBuiltin(&helpCommand{registry: r})
	r.RegisterBuiltin(&loadCommand{registry: r})
	r.RegisterBuiltin(&installCommand{registry: r, deps: deps})
	r.RegisterBuiltin(&deleteCommand{registry: r})
	r.RegisterBuiltin(&restartCommand{adminUIDs: deps.AdminUIDs, exit: deps.Exit, logger: deps.Logger})
	r.RegisterBuiltin(&postCommand{deps: deps})
	r.RegisterBuiltin(newImageCommand(deps))
	r.RegisterBuiltin(newPoliCommand(deps))
	r.RegisterBuiltin(newFastgenCommand(deps))
	r.RegisterBuiltin(newTTSCommand(deps))
	r.RegisterBuiltin(newMuvieCommand(deps))
}

func isAdmin(uids []string, senderID string) bool {
	return slices.Contains(uids, senderID)
}

// --- help ---

type helpCommand struct {
	registry *Registry
}

func (c *helpCommand) Name() string        { return "help" }
func (c *helpCommand) Description() string { return "Lists all available commands." }

func (c *helpCommand) Execute(_ context.Context, inv domain.Invocation) (domain.Result, error) {
	var listed []domain.Command
	for _, cmd := range c.registry.List() {
		if cmd.Name() == c.Name() {
			continue
		}
		listed = append(listed, cmd)
	}

	if len(listed) == 0 {
		return domain.Reply("⚠️ No commands found."), nil
	}

	var sb strings.Builder
	sb.WriteString("Here are the available commands:\n\n")
	for _, cmd := range listed {
		desc := cmd.Description()
		if desc == "" {
			desc = "No description."
		}
		fmt.Fprintf(&sb, "• %s%s: %s\n", inv.Prefix, cmd.Name(), desc)
	}

	text := sb.String()
	if len(text) > helpMaxLen {
		text = text[:helpMaxLen-3] + "..."
	}
	return domain.Reply(text), nil
}

// --- load ---

type loadCommand struct {
	registry *Registry
}

func (c *loadCommand) Name() string { return "load" }
func (c *loadCommand) Description() string {
	return "Reloads all commands. Useful after manual edits or installations."
}

func (c *loadCommand) Execute(context.Context, domain.Invocation) (domain.Result, error) {
	if err := c.registry.Load(); err != nil {
		return domain.Silent(), fmt.Errorf("reload commands: %w", err)
	}
	return domain.Reply("✅ All commands reloaded successfully!"), nil
}

// --- install ---

type installCommand struct {
	registry *Registry
	deps     BuiltinDeps
}

func (c *installCommand) Name() string { return "install" }
func (c *installCommand) Description() string {
	return "Installs a command manifest from an allow-listed URL. Usage: install <name.yaml> <url>"
}

func (c *installCommand) Execute(ctx context.Context, inv domain.Invocation) (domain.Result, error) {
	if !isAdmin(c.deps.AdminUIDs, inv.SenderID) {
		return domain.Reply("🚫 You are not authorized to use this command."), nil
	}
	if len(inv.Args) != 2 {
		return domain.Reply(fmt.Sprintf("Usage: %sinstall <name%s> <url>", inv.Prefix, ManifestSuffix)), nil
	}

	name, rawURL := inv.Args[0], inv.Args[1]
	if !strings.HasSuffix(name, ManifestSuffix) {
		return domain.Reply(fmt.Sprintf("Invalid file name. Please ensure it ends with '%s'.", ManifestSuffix)), nil
	}

	source, err := c.fetch(ctx, rawURL)
	if err != nil {
		return domain.Reply(fmt.Sprintf("❌ Could not fetch command source: %v", err)), nil
	}

	if err := c.registry.Install(name, source); err != nil {
		return domain.Reply(fmt.Sprintf("❌ Failed to install '%s': %v", name, err)), nil
	}
	return domain.Reply(fmt.Sprintf("✅ Command '%s' installed successfully!", name)), nil
}

// fetch downloads manifest source, refusing hosts outside the allow-list.
func (c *installCommand) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid URL")
	}
	if !slices.Contains(c.deps.InstallOrigins, u.Hostname()) {
		return nil, fmt.Errorf("origin %q is not allow-listed", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 256<<10))
}

// --- delete ---

type deleteCommand struct {
	registry *Registry
}

func (c *deleteCommand) Name() string { return "delete" }
func (c *deleteCommand) Description() string {
	return "Deletes an installed command. Usage: delete <commandName>"
}

func (c *deleteCommand) Execute(_ context.Context, inv domain.Invocation) (domain.Result, error) {
	if len(inv.Args) != 1 {
		return domain.Reply(fmt.Sprintf("Usage: %sdelete <commandName>", inv.Prefix)), nil
	}
	name := inv.Args[0]
	if err := c.registry.Delete(name); err != nil {
		return domain.Reply(fmt.Sprintf("⛔️ %v", err)), nil
	}
	return domain.Reply(fmt.Sprintf("✅ Command '%s' deleted successfully!", strings.TrimSuffix(name, ManifestSuffix))), nil
}

// --- restart ---

type restartCommand struct {
	adminUIDs []string
	exit      func(int)
	logger    *slog.Logger
}

func (c *restartCommand) Name() string { return "restart" }
func (c *restartCommand) Description() string {
	return "Restarts the bot process. Requires a supervisor to relaunch."
}

func (c *restartCommand) Execute(_ context.Context, inv domain.Invocation) (domain.Result, error) {
	if !isAdmin(c.adminUIDs, inv.SenderID) {
		return domain.Reply("🚫 You are not authorized to use this command."), nil
	}
	c.logger.Info("restart requested", "sender", inv.SenderID)
	// Give the dispatcher a moment to deliver the notice before exiting.
	time.AfterFunc(time.Second, func() {
		c.logger.Info("bot is initiating restart")
		c.exit(0)
	})
	return domain.Reply("🔄 Restarting bot... Please wait a moment."), nil
}

// --- post ---

type postCommand struct {
	deps BuiltinDeps
}

func (c *postCommand) Name() string { return "post" }
func (c *postCommand) Description() string {
	return "Posts a message to the Facebook Page. Usage: post <Your message here>"
}

func (c *postCommand) Execute(ctx context.Context, inv domain.Invocation) (domain.Result, error) {
	if !isAdmin(c.deps.AdminUIDs, inv.SenderID) {
		return domain.Reply("🚫 You are not authorized to use this command. Only administrators can post messages to the page."), nil
	}
	if len(inv.Args) == 0 {
		return domain.Reply(fmt.Sprintf("Usage: %spost <Your message here>", inv.Prefix)), nil
	}

	postID, err := c.deps.Poster.PostToFeed(ctx, strings.Join(inv.Args, " "), inv.Profile)
	if err != nil {
		return domain.Reply(fmt.Sprintf("❌ Failed to post to page. Error: %v", err)), nil
	}
	return domain.Reply(fmt.Sprintf("✅ Successfully posted to the page! Post ID: %s", postID)), nil
}
