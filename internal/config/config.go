package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration for KoraBot.
type Config struct {
	General      GeneralConfig      `json:"general"`
	Server       ServerConfig       `json:"server"`
	Provider     ProviderConfig     `json:"provider"`
	Memory       MemoryConfig       `json:"memory"`
	Commands     CommandsConfig     `json:"commands"`
	Tokens       TokensConfig       `json:"tokens"`
	Integrations IntegrationsConfig `json:"integrations"`
}

// IntegrationsConfig holds API keys for the third-party services some
// built-in commands call.
type IntegrationsConfig struct {
	StableHordeKey string `json:"stableHordeKey,omitempty" env:"KORABOT_STABLEHORDE_KEY"`
	VoiceRSSKey    string `json:"voiceRssKey,omitempty" env:"KORABOT_VOICERSS_KEY"`
	TMDbKey        string `json:"tmdbKey,omitempty" env:"KORABOT_TMDB_KEY"`
}

type GeneralConfig struct {
	DataDir   string   `json:"dataDir"`
	LogLevel  string   `json:"logLevel"`
	LogFile   string   `json:"logFile,omitempty"` // optional rotating log file
	Prefix    string   `json:"prefix"`            // command trigger prefix
	AdminUIDs []string `json:"adminUids,omitempty"`
}

type ServerConfig struct {
	Port      int    `json:"port" env:"PORT"`
	AdminCode string `json:"adminCode,omitempty" env:"KORABOT_ADMIN_CODE"` // gates the /history endpoint
}

// ProviderConfig selects the reply generator.
type ProviderConfig struct {
	Name       string `json:"name"` // "gemini" | "openai"
	Model      string `json:"model,omitempty"`
	APIBase    string `json:"apiBase,omitempty"`
	APIKey     string `json:"apiKey,omitempty" env:"KORABOT_PROVIDER_KEY"` // openai key; gemini keys live on the profile
	MaxRetries int    `json:"maxRetries,omitempty"`                        // retries after the first attempt; 0 uses the default
}

type MemoryConfig struct {
	DBPath       string `json:"dbPath"`
	HistoryLimit int    `json:"historyLimit"` // rolling history window per user
}

type CommandsConfig struct {
	Dir string `json:"dir"` // managed directory for installable command manifests
	// InstallOrigins is the allow-list of hosts the install command may
	// fetch manifest source from.
	InstallOrigins []string `json:"installOrigins,omitempty"`
}

type TokensConfig struct {
	AppID           string `json:"appId,omitempty" env:"KORABOT_FB_APP_ID"`
	AppSecret       string `json:"appSecret,omitempty" env:"KORABOT_FB_APP_SECRET"`
	RefreshSchedule string `json:"refreshSchedule,omitempty"` // cron spec for periodic validation
	ValidateOnStart bool   `json:"validateOnStart"`
}

// DefaultConfigDir returns the default config directory (~/.korabot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".korabot"
	}
	return filepath.Join(home, ".korabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	ExpandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables onto the config using the `env`
// struct tags. Environment always wins over file values.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config file: %w", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port)
	}
	if cfg.General.Prefix == "" {
		return fmt.Errorf("general.prefix must not be empty")
	}
	if strings.ContainsAny(cfg.General.Prefix, " \t\n") {
		return fmt.Errorf("general.prefix must not contain whitespace")
	}
	if cfg.Memory.HistoryLimit < 1 {
		return fmt.Errorf("memory.historyLimit must be positive, got %d", cfg.Memory.HistoryLimit)
	}
	switch cfg.Provider.Name {
	case "gemini", "openai":
	default:
		return fmt.Errorf("provider.name must be gemini or openai, got %q", cfg.Provider.Name)
	}
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.logLevel must be debug/info/warn/error, got %q", cfg.General.LogLevel)
	}
	return nil
}

// ExpandPaths resolves every ~/ path in the config against the user home
// directory. Load calls this; callers that build a config from Defaults
// directly must call it themselves.
func ExpandPaths(cfg *Config) {
	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = expandPath(cfg.Memory.DBPath)
	cfg.Commands.Dir = expandPath(cfg.Commands.Dir)
}

// expandPath resolves a leading ~/ against the user home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
