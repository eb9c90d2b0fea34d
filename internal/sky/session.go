package sky

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionData is the decrypted OAuth credential bundle for one linked
// account. This is exactly what the vault encrypts at rest; it exists in
// plaintext only for the lifetime of a single authorized action.
type SessionData struct {
	DID          string          `json:"did"`
	Handle       string          `json:"handle,omitempty"`
	Issuer       string          `json:"iss"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken,omitempty"`
	DPoPKey      json.RawMessage `json:"dpopJwk,omitempty"`
	ExpiresAt    time.Time       `json:"expiresAt,omitempty"`
}

// ParseSession deserializes a decrypted session blob.
func ParseSession(raw string) (*SessionData, error) {
	var s SessionData
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	if s.DID == "" {
		return nil, fmt.Errorf("parse session: missing did")
	}
	return &s, nil
}

// Serialize renders the session for encryption at rest.
func (s *SessionData) Serialize() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("serialize session: %w", err)
	}
	return string(raw), nil
}
