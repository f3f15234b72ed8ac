package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/99designs/keyring"
)

// ErrNoToken is returned by a TokenStore when no credential has been
// persisted yet, triggering the interactive consent flow.
var ErrNoToken = errors.New("no stored token")

// StoredToken is the persisted form of an OAuth2 credential.
type StoredToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// TokenStore persists one credential across runs.
type TokenStore interface {
	// Load returns the stored credential, or ErrNoToken if none exists.
	Load() (*StoredToken, error)

	// Save durably replaces the stored credential. Implementations must be
	// atomic: either the new credential is fully written or the prior one
	// is left untouched.
	Save(tok *StoredToken) error
}

// FileStore persists the credential as a JSON file.
type FileStore struct {
	Path string
}

// NewFileStore creates a token store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads and decodes the token file.
func (s *FileStore) Load() (*StoredToken, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var tok StoredToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return &tok, nil
}

// Save writes the token to a temporary file in the same directory and
// renames it into place, so a crash mid-write never corrupts the stored
// credential.
func (s *FileStore) Save(tok *StoredToken) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary token file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set token file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close token file: %w", err)
	}

	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// keyringService is the service name credentials are filed under in the
// system keyring.
const keyringService = "gmail-merge"

// keyringTokenKey is the item key for the single stored credential.
const keyringTokenKey = "oauth-token"

// KeyringStore persists the credential in the operating system keyring,
// for hosts where a plaintext token file is unwanted.
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore opens the system keyring. fileDir is the fallback
// directory used by the encrypted-file backend when no native keyring
// is available.
func NewKeyringStore(fileDir string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(keyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// Load reads the credential item from the keyring.
func (s *KeyringStore) Load() (*StoredToken, error) {
	item, err := s.ring.Get(keyringTokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token from keyring: %w", err)
	}

	var tok StoredToken
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse keyring token: %w", err)
	}
	return &tok, nil
}

// Save replaces the credential item in the keyring. Keyring backends
// replace items in a single operation, satisfying the atomicity contract.
func (s *KeyringStore) Save(tok *StoredToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := s.ring.Set(keyring.Item{Key: keyringTokenKey, Data: data}); err != nil {
		return fmt.Errorf("failed to write token to keyring: %w", err)
	}
	return nil
}
