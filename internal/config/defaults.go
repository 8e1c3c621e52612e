package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.korabot/data",
			LogLevel: "info",
			Prefix:   "-",
		},
		Server: ServerConfig{
			Port: 3000,
		},
		Provider: ProviderConfig{
			Name:  "gemini",
			Model: "gemini-1.5-flash",
		},
		Memory: MemoryConfig{
			DBPath:       "~/.korabot/data/bot_memory.db",
			HistoryLimit: 50,
		},
		Commands: CommandsConfig{
			Dir: "~/.korabot/commands",
			InstallOrigins: []string{
				"raw.githubusercontent.com",
				"gist.githubusercontent.com",
			},
		},
		Tokens: TokensConfig{
			RefreshSchedule: "@every 6h",
			ValidateOnStart: true,
		},
	}
}
