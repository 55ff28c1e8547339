package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vstage-upload/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore keeps checkpoints in the upload_checkpoints table
type DBStore struct {
	db    *gorm.DB
	locks keyLocks
}

// NewDBStore wraps an already migrated gorm connection
func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) Get(ctx context.Context, key Key) (*Checkpoint, error) {
	var row models.UploadCheckpoint
	err := s.db.WithContext(ctx).
		Where("scope = ? AND file_name = ? AND file_size = ?", key.Scope, key.FileName, key.FileSize).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}
	return fromRow(&row), nil
}

func (s *DBStore) Put(ctx context.Context, key Key, cp *Checkpoint) error {
	unlock := s.locks.lock(key)
	defer unlock()

	row := toRow(key, cp)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "scope"}, {Name: "file_name"}, {Name: "file_size"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"recorded_size", "content_type", "session_url", "uploaded_bytes",
				"public_url", "object_path", "service_slot", "idempotency_key", "saved_at", "updated_at",
			}),
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *DBStore) Delete(ctx context.Context, key Key) error {
	unlock := s.locks.lock(key)
	defer unlock()

	err := s.db.WithContext(ctx).
		Where("scope = ? AND file_name = ? AND file_size = ?", key.Scope, key.FileName, key.FileSize).
		Delete(&models.UploadCheckpoint{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes every checkpoint saved before cutoff
func (s *DBStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("saved_at < ?", cutoff).
		Delete(&models.UploadCheckpoint{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func toRow(key Key, cp *Checkpoint) *models.UploadCheckpoint {
	return &models.UploadCheckpoint{
		Scope:          key.Scope,
		FileName:       key.FileName,
		FileSize:       key.FileSize,
		RecordedSize:   cp.FileSize,
		ContentType:    cp.ContentType,
		SessionURL:     cp.SessionURL,
		UploadedBytes:  cp.UploadedBytes,
		PublicURL:      cp.Destination.PublicURL,
		ObjectPath:     cp.Destination.ObjectPath,
		ServiceSlot:    cp.Destination.ServiceSlot,
		IdempotencyKey: cp.IdempotencyKey,
		SavedAt:        cp.SavedAt.UTC(),
	}
}

func fromRow(row *models.UploadCheckpoint) *Checkpoint {
	return &Checkpoint{
		SessionURL:    row.SessionURL,
		UploadedBytes: row.UploadedBytes,
		Destination: Destination{
			PublicURL:   row.PublicURL,
			ObjectPath:  row.ObjectPath,
			ServiceSlot: row.ServiceSlot,
		},
		FileSize:       row.RecordedSize,
		ContentType:    row.ContentType,
		SavedAt:        row.SavedAt,
		IdempotencyKey: row.IdempotencyKey,
	}
}
