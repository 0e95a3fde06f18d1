// Package session persists the signed-in user between runs.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ErrInvalidUserID is returned when the stored id is not an integer.
var ErrInvalidUserID = errors.New("invalid user id")

// UserID is a user id that decodes from a JSON number or a numeric string.
type UserID int64

// UnmarshalJSON implements json.Unmarshaler.
func (id *UserID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidUserID, data)
	}
	*id = UserID(n)
	return nil
}

// User is the persisted signed-in user.
type User struct {
	ID    UserID `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// FileIdentity reads the current user from a JSON file. The file is read
// on every call so a login or logout by another process is seen at once.
type FileIdentity struct {
	path   string
	logger zerolog.Logger
}

// NewFileIdentity creates a FileIdentity backed by path.
func NewFileIdentity(path string, logger zerolog.Logger) *FileIdentity {
	return &FileIdentity{
		path:   path,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// Path returns the session file path.
func (f *FileIdentity) Path() string {
	return f.path
}

// User returns the stored user. A missing file yields false and no error.
func (f *FileIdentity) User() (User, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("failed to read session: %w", err)
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return User{}, false, fmt.Errorf("failed to decode session: %w", err)
	}
	if u.ID == 0 {
		return User{}, false, nil
	}
	return u, true, nil
}

// CurrentUserID returns the stored user's id. Unreadable sessions count as
// signed out.
func (f *FileIdentity) CurrentUserID() (int64, bool) {
	u, ok, err := f.User()
	if err != nil {
		f.logger.Warn().Err(err).Str("path", f.path).Msg("ignoring session")
		return 0, false
	}
	return int64(u.ID), ok
}

// Save stores u, replacing any previous session.
func (f *FileIdentity) Save(u User) error {
	if u.ID == 0 {
		return fmt.Errorf("%w: 0", ErrInvalidUserID)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Clear removes the stored session. Clearing a missing session is not an
// error.
func (f *FileIdentity) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
