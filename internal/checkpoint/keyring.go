package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keychain service name checkpoints are filed under
const DefaultKeyringService = "vstage-upload"

// KeyringStore keeps checkpoints in the OS keychain (macOS Keychain, Windows
// Credential Manager, Secret Service on Linux). The keychain cannot be
// enumerated, so expired entries are only dropped when read.
type KeyringStore struct {
	service string
	locks   keyLocks
	remove  func(service, user string) error
}

// NewKeyringStore creates a keychain backed store. An empty service name
// selects DefaultKeyringService.
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service, remove: keyring.Delete}
}

func (s *KeyringStore) Get(_ context.Context, key Key) (*Checkpoint, error) {
	raw, err := keyring.Get(s.service, key.String())
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s from keychain: %w", key, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		// An unreadable entry can never be resumed from
		if err := s.remove(s.service, key.String()); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("failed to discard unreadable checkpoint %s from keychain: %w", key, err)
		}
		return nil, ErrNotFound
	}
	return &cp, nil
}

func (s *KeyringStore) Put(_ context.Context, key Key, cp *Checkpoint) error {
	unlock := s.locks.lock(key)
	defer unlock()

	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", key, err)
	}
	if err := keyring.Set(s.service, key.String(), string(raw)); err != nil {
		return fmt.Errorf("failed to store checkpoint %s in keychain: %w", key, err)
	}
	return nil
}

func (s *KeyringStore) Delete(_ context.Context, key Key) error {
	unlock := s.locks.lock(key)
	defer unlock()

	err := s.remove(s.service, key.String())
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete checkpoint %s from keychain: %w", key, err)
	}
	return nil
}
