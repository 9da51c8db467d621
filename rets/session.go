package rets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Session is an authenticated RETS session: the concatenated cookie header
// value, the capability URL table returned at login, and the expiry after
// which a fresh login is required. Sessions are plain values and are passed
// explicitly to every call that needs one.
type Session struct {
	Cookie       string
	Expires      time.Time
	Capabilities map[string]string
}

// Valid reports whether the session can still be used. A small slack keeps a
// session from expiring in the middle of a request.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Cookie != "" && now.Add(time.Minute).Before(s.Expires)
}

// Capability resolves a named capability URL (Search, GetObject, GetMetadata,
// Logout) from the login response.
func (s *Session) Capability(name string) (string, error) {
	u, ok := s.Capabilities[name]
	if !ok || u == "" {
		return "", errors.Errorf("rets: session has no %s capability", name)
	}
	return u, nil
}

// sessionFile is the on-disk shape of the session cache. The cache is shared
// by every loop in the process so they reuse one cookie until expiry.
type sessionFile struct {
	SessionID      string            `json:"sessionId"`
	SessionExpires time.Time         `json:"sessionExpires"`
	Capabilities   map[string]string `json:"capabilities"`
}

func loadSession(path string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading session cache")
	}
	var f sessionFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "decoding session cache")
	}
	return &Session{
		Cookie:       f.SessionID,
		Expires:      f.SessionExpires,
		Capabilities: f.Capabilities,
	}, nil
}

func saveSession(path string, s *Session) error {
	raw, err := json.MarshalIndent(sessionFile{
		SessionID:      s.Cookie,
		SessionExpires: s.Expires,
		Capabilities:   s.Capabilities,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating cache directory")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o600), "writing session cache")
}

func clearSession(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
