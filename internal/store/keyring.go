package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// DefaultKeyringService is the keyring service the CLI stores sessions under.
const DefaultKeyringService = "mailsync"

// sessionEntry is what a keyring item holds. Owner is repeated inside the
// secret so an entry copied under the wrong account name is rejected.
type sessionEntry struct {
	Owner   string        `json:"owner"`
	Token   *oauth2.Token `json:"token"`
	SavedAt time.Time     `json:"saved_at"`
}

// KeyringTokenStore keeps one session token per owner in the OS keyring
// (macOS Keychain, Windows Credential Manager, or Linux Secret Service).
type KeyringTokenStore struct {
	service string
	now     func() time.Time
}

// NewKeyringTokenStore returns a store under DefaultKeyringService.
func NewKeyringTokenStore() *KeyringTokenStore {
	return NewKeyringTokenStoreFor(DefaultKeyringService)
}

// NewKeyringTokenStoreFor returns a store under the given keyring service.
func NewKeyringTokenStoreFor(service string) *KeyringTokenStore {
	return &KeyringTokenStore{service: service, now: time.Now}
}

func (k *KeyringTokenStore) user(ownerID string) string {
	return "session:" + ownerID
}

// SaveToken replaces the session token of ownerID.
func (k *KeyringTokenStore) SaveToken(ownerID string, token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("refusing to save an empty token for %s: %w", ownerID, domain.ErrValidationFailure)
	}
	data, err := json.Marshal(sessionEntry{Owner: ownerID, Token: token, SavedAt: k.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	err = keyring.Set(k.service, k.user(ownerID), string(data))
	switch {
	case errors.Is(err, keyring.ErrSetDataTooBig):
		return fmt.Errorf("session for %s exceeds the keyring item limit: %w", ownerID, err)
	case err != nil:
		return fmt.Errorf("failed to write session to keyring: %w", err)
	}
	return nil
}

// LoadToken returns the session token of ownerID, or ErrNotFound when the
// owner never logged in on this machine.
func (k *KeyringTokenStore) LoadToken(ownerID string) (*oauth2.Token, error) {
	data, err := keyring.Get(k.service, k.user(ownerID))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("no session for %s: %w", ownerID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session from keyring: %w", err)
	}

	var entry sessionEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode session for %s: %w", ownerID, err)
	}
	if entry.Owner != ownerID || entry.Token == nil {
		return nil, fmt.Errorf("keyring entry does not belong to %s: %w", ownerID, domain.ErrNotFound)
	}
	return entry.Token, nil
}

// DeleteToken forgets the session of ownerID. Deleting a missing session is
// not an error.
func (k *KeyringTokenStore) DeleteToken(ownerID string) error {
	err := keyring.Delete(k.service, k.user(ownerID))
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("failed to remove session from keyring: %w", err)
}
