package domain

import "time"

// DefaultProfileID is the distinguished profile that is always present.
const DefaultProfileID = "default-bot"

// BotProfile holds the credentials for one configured page bot.
type BotProfile struct {
	ID              string    `json:"id"`
	VerifyToken     string    `json:"verifyToken"`
	PageAccessToken string    `json:"pageAccessToken"`
	GeminiKey       string    `json:"geminiKey"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
}

// RefreshInfo is the stored long-lived refresh credential for a profile.
type RefreshInfo struct {
	LastRefresh  time.Time `json:"lastRefresh"`
	ExpiresAt    time.Time `json:"expiresAt"`
	RefreshToken string    `json:"refreshToken"`
}
