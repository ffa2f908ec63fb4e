// Package credential keeps IMAP passwords in the system keyring so account
// lists never have to carry secrets.
package credential

import (
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "mailverify"

// Store reads and writes mailbox secrets in a keyring.
type Store struct {
	ring keyring.Keyring
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Open returns a Store backed by the first available system keyring.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailverify/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailverify-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// MailboxKey is the keyring key holding the IMAP password for email.
func MailboxKey(email string) string {
	return "imap-" + strings.ToLower(strings.TrimSpace(email))
}

// Get returns the secret stored under key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores value under key, replacing any previous secret.
func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes the secret stored under key.
func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// SetMailboxPassword stores the IMAP password for email.
func (s *Store) SetMailboxPassword(email, password string) error {
	return s.Set(MailboxKey(email), password)
}

// Get opens the system keyring and returns the secret stored under key.
func Get(key string) (string, error) {
	store, err := Open()
	if err != nil {
		return "", err
	}
	return store.Get(key)
}
