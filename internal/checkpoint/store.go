// Package checkpoint persists resumable upload progress so an interrupted
// transfer can continue from the last acknowledged byte, also after a restart.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL bounds how long a checkpoint may be used for resume
const DefaultTTL = 7 * 24 * time.Hour

// ErrNotFound is returned when no usable checkpoint exists for a key
var ErrNotFound = errors.New("checkpoint not found")

// Key identifies the checkpoint of one file within a destination scope.
// File names are not unique; a later upload of the same name and size
// overwrites the earlier entry.
type Key struct {
	Scope    string
	FileName string
	FileSize int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Scope, k.FileName, k.FileSize)
}

// Destination is the write destination negotiated with the backend of record
type Destination struct {
	PublicURL   string `json:"publicUrl"`
	ObjectPath  string `json:"objectPath"`
	ServiceSlot string `json:"serviceSlot"`
}

// Checkpoint is the persisted state of one resumable upload
type Checkpoint struct {
	SessionURL     string      `json:"resumableUrl"`
	UploadedBytes  int64       `json:"uploadedBytes"`
	Destination    Destination `json:"instruction"`
	FileSize       int64       `json:"fileSize"`
	ContentType    string      `json:"contentType"`
	SavedAt        time.Time   `json:"timestamp"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"` // sent with every confirmation of this session
}

// Valid reports whether the checkpoint may be used to resume key at now
func (c *Checkpoint) Valid(key Key, now time.Time, ttl time.Duration) bool {
	if c == nil || c.SessionURL == "" {
		return false
	}
	if c.FileSize != key.FileSize {
		return false
	}
	if c.UploadedBytes < 0 || c.UploadedBytes > c.FileSize {
		return false
	}
	return now.Sub(c.SavedAt) < ttl
}

// Store is durable key/value state shared by every batch of the process
type Store interface {
	// Get returns ErrNotFound when nothing is stored under key
	Get(ctx context.Context, key Key) (*Checkpoint, error)
	// Put replaces whatever is stored under key
	Put(ctx context.Context, key Key, cp *Checkpoint) error
	// Delete is a no-op for absent keys
	Delete(ctx context.Context, key Key) error
}

// Purger is implemented by stores that can drop expired entries in bulk
type Purger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Lookup returns the checkpoint for key only if it is valid for resume.
// Expired or mismatched entries are deleted and reported as ErrNotFound.
func Lookup(ctx context.Context, store Store, key Key, now time.Time, ttl time.Duration) (*Checkpoint, error) {
	cp, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if cp.Valid(key, now, ttl) {
		return cp, nil
	}

	if err := store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to discard stale checkpoint %s: %w", key, err)
	}
	return nil, ErrNotFound
}
