// Package profile manages bot profiles and their long-lived refresh
// credentials, persisted as JSON files in the data directory.
package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"korabot/internal/domain"
)

const (
	tokensFile       = "tokens.json"
	tokenRefreshFile = "token_refresh.json"

	// DefaultVerifyToken seeds the default profile so the webhook
	// handshake works before real credentials are configured.
	DefaultVerifyToken = "Hassan"

	placeholderToken = "DUMMY_TOKEN"
	placeholderKey   = "DUMMY_KEY"
)

// Store holds the profile list and refresh data, mirrored to disk.
type Store struct {
	mu          sync.RWMutex
	dir         string
	profiles    []domain.BotProfile
	refreshData map[string]domain.RefreshInfo
	logger      *slog.Logger
}

// Open loads (or creates) the profile files under dir and guarantees the
// default profile exists.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile directory: %w", err)
	}

	s := &Store{
		dir:         dir,
		refreshData: make(map[string]domain.RefreshInfo),
		logger:      logger,
	}

	if err := s.loadProfiles(); err != nil {
		return nil, err
	}
	if err := s.loadRefreshData(); err != nil {
		return nil, err
	}

	if !s.hasProfile(domain.DefaultProfileID) {
		s.profiles = append(s.profiles, domain.BotProfile{
			ID:              domain.DefaultProfileID,
			VerifyToken:     DefaultVerifyToken,
			PageAccessToken: placeholderToken,
			GeminiKey:       placeholderKey,
			CreatedAt:       time.Now().UTC(),
		})
		if err := s.saveProfilesLocked(); err != nil {
			return nil, err
		}
		logger.Info("seeded default bot profile", "id", domain.DefaultProfileID)
	}

	return s, nil
}

func (s *Store) loadProfiles() error {
	path := filepath.Join(s.dir, tokensFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.profiles = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", tokensFile, err)
	}
	if err := json.Unmarshal(data, &s.profiles); err != nil {
		return fmt.Errorf("parse %s: %w", tokensFile, err)
	}
	return nil
}

func (s *Store) loadRefreshData() error {
	path := filepath.Join(s.dir, tokenRefreshFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", tokenRefreshFile, err)
	}
	if err := json.Unmarshal(data, &s.refreshData); err != nil {
		return fmt.Errorf("parse %s: %w", tokenRefreshFile, err)
	}
	return nil
}

func (s *Store) hasProfile(id string) bool {
	for _, p := range s.profiles {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Active returns the profile used for dispatch. The profile list supports
// multiple entries but dispatch always uses the first one; multi-tenant
// routing is not implemented.
func (s *Store) Active() (*domain.BotProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.profiles) == 0 {
		return nil, false
	}
	p := s.profiles[0]
	return &p, true
}

// All returns a copy of every configured profile.
func (s *Store) All() []domain.BotProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BotProfile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// Configured returns profiles that carry real (non-placeholder) credentials.
func (s *Store) Configured() []domain.BotProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.BotProfile
	for _, p := range s.profiles {
		if p.PageAccessToken != placeholderToken {
			out = append(out, p)
		}
	}
	return out
}

// FindByVerifyToken matches the webhook handshake token against every
// configured profile.
func (s *Store) FindByVerifyToken(token string) (*domain.BotProfile, bool) {
	if token == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.VerifyToken == token {
			out := p
			return &out, true
		}
	}
	return nil, false
}

// Update replaces (or appends) the profile with the given ID and persists.
func (s *Store) Update(p domain.BotProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.profiles {
		if s.profiles[i].ID == p.ID {
			s.profiles[i] = p
			return s.saveProfilesLocked()
		}
	}
	s.profiles = append(s.profiles, p)
	return s.saveProfilesLocked()
}

// SetPageAccessToken updates just the page token on a profile and persists.
func (s *Store) SetPageAccessToken(id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.profiles {
		if s.profiles[i].ID == id {
			s.profiles[i].PageAccessToken = token
			return s.saveProfilesLocked()
		}
	}
	return fmt.Errorf("profile %q not found", id)
}

// Refresh returns the stored refresh credential for a profile, if any.
func (s *Store) Refresh(id string) (domain.RefreshInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.refreshData[id]
	return info, ok
}

// SetRefresh stores the refresh credential for a profile and persists.
func (s *Store) SetRefresh(id string, info domain.RefreshInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshData[id] = info
	return s.saveRefreshLocked()
}

func (s *Store) saveProfilesLocked() error {
	return writeJSON(filepath.Join(s.dir, tokensFile), s.profiles)
}

func (s *Store) saveRefreshLocked() error {
	return writeJSON(filepath.Join(s.dir, tokenRefreshFile), s.refreshData)
}

// writeJSON writes atomically via a temp file so a crash mid-write cannot
// truncate the credential store.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
