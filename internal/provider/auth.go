package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"
	oauthClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	// Refresh this far before the recorded expiry.
	tokenExpirySlack = 5 * time.Minute
)

// Credentials is the persisted auth.json document.
type Credentials struct {
	Type         string    `json:"type"` // "api_key" or "oauth"
	APIKey       string    `json:"apiKey,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// AuthStore owns auth.json and serializes refreshes.
type AuthStore struct {
	path     string
	client   *http.Client
	tokenURL string

	mu    sync.Mutex
	creds *Credentials
}

func NewAuthStore(path string) *AuthStore {
	return &AuthStore{
		path:     path,
		client:   &http.Client{Timeout: 30 * time.Second},
		tokenURL: anthropicTokenURL,
	}
}

// Load reads auth.json; a missing file yields empty credentials.
func (s *AuthStore) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *AuthStore) loadLocked() (*Credentials, error) {
	if s.creds != nil {
		return s.creds, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.creds = &Credentials{}
			return s.creds, nil
		}
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.creds = &creds
	return s.creds, nil
}

// Save persists credentials atomically with owner-only permissions.
func (s *AuthStore) Save(creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(creds)
}

func (s *AuthStore) saveLocked(creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "auth-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	s.creds = creds
	return nil
}

// APIKey resolves the key for the next provider call: a stored API key
// wins, then a live (refreshed if needed) OAuth token, then the
// ANTHROPIC_API_KEY environment variable.
func (s *AuthStore) APIKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.loadLocked()
	if err != nil {
		return "", err
	}

	if creds.APIKey != "" {
		return creds.APIKey, nil
	}

	if creds.AccessToken != "" {
		if time.Until(creds.ExpiresAt) > tokenExpirySlack {
			return creds.AccessToken, nil
		}
		if creds.RefreshToken != "" {
			refreshed, err := s.refresh(ctx, creds)
			if err != nil {
				return "", fmt.Errorf("refresh oauth token: %w", err)
			}
			if err := s.saveLocked(refreshed); err != nil {
				return "", err
			}
			return refreshed.AccessToken, nil
		}
		// No refresh token; use the access token until it actually fails.
		return creds.AccessToken, nil
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no credentials: set ANTHROPIC_API_KEY or populate %s", s.path)
}

func (s *AuthStore) refresh(ctx context.Context, creds *Credentials) (*Credentials, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": creds.RefreshToken,
		"client_id":     oauthClientID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Message: "oauth token refresh failed"}
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	next := *creds
	next.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		next.RefreshToken = out.RefreshToken
	}
	next.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return &next, nil
}
