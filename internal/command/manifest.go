package command

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"korabot/internal/domain"

	"gopkg.in/yaml.v3"
)

// Manifest is the declarative form of an installable command. Manifests are
// data, not code: a manifest can render a reply or point at a hosted media
// URL, but it cannot execute on the host.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Kind        string `yaml:"kind"` // "reply" | "image"
	// Reply is the response template for kind "reply". {args} expands to
	// the joined invocation arguments.
	Reply string `yaml:"reply,omitempty"`
	// URL is the media URL template for kind "image". {prompt} expands to
	// the URL-escaped joined arguments.
	URL string `yaml:"url,omitempty"`
	// Caption optionally accompanies the image. {args} expands as above.
	Caption string `yaml:"caption,omitempty"`
}

// parseManifest decodes and validates manifest source. A manifest is
// eligible only if it names itself and carries a recognized kind with the
// fields that kind requires.
func parseManifest(source []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(source, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("manifest missing name")
	}
	if strings.ContainsAny(m.Name, " \t\n") {
		return nil, fmt.Errorf("manifest name %q contains whitespace", m.Name)
	}

	switch m.Kind {
	case "reply":
		if strings.TrimSpace(m.Reply) == "" {
			return nil, fmt.Errorf("reply manifest %q missing reply text", m.Name)
		}
	case "image":
		if strings.TrimSpace(m.URL) == "" {
			return nil, fmt.Errorf("image manifest %q missing url", m.Name)
		}
		u, err := url.Parse(m.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("image manifest %q has invalid url", m.Name)
		}
	default:
		return nil, fmt.Errorf("manifest %q has unknown kind %q", m.Name, m.Kind)
	}

	return &m, nil
}

// loadManifest reads a manifest file into a command.
func loadManifest(path string) (domain.Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := parseManifest(data)
	if err != nil {
		return nil, err
	}
	return &manifestCommand{manifest: *m}, nil
}

// manifestCommand adapts a Manifest into the command contract.
type manifestCommand struct {
	manifest Manifest
}

func (c *manifestCommand) Name() string        { return c.manifest.Name }
func (c *manifestCommand) Description() string { return c.manifest.Description }

func (c *manifestCommand) Execute(_ context.Context, inv domain.Invocation) (domain.Result, error) {
	args := strings.Join(inv.Args, " ")

	switch c.manifest.Kind {
	case "reply":
		return domain.Reply(expand(c.manifest.Reply, "{args}", args)), nil
	case "image":
		att := domain.Attachment{
			Type: "image",
			URL:  expand(c.manifest.URL, "{prompt}", url.QueryEscape(args)),
		}
		return domain.ReplyMedia(att, expand(c.manifest.Caption, "{args}", args)), nil
	default:
		// parseManifest rejects unknown kinds before registration.
		return domain.Silent(), fmt.Errorf("unknown manifest kind %q", c.manifest.Kind)
	}
}

func expand(template, placeholder, value string) string {
	return strings.ReplaceAll(template, placeholder, value)
}
