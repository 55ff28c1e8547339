package models

import (
	"time"
)

// UploadCheckpoint persists how far a resumable upload got, so it can be
// resumed after a restart. One row per (scope, file name, file size).
type UploadCheckpoint struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	Scope          string    `gorm:"not null;uniqueIndex:idx_upload_checkpoint_key" json:"scope"`
	FileName       string    `gorm:"not null;column:file_name;uniqueIndex:idx_upload_checkpoint_key" json:"file_name"`
	FileSize       int64     `gorm:"not null;column:file_size;uniqueIndex:idx_upload_checkpoint_key" json:"file_size"`
	RecordedSize   int64     `gorm:"not null;column:recorded_size" json:"recorded_size"` // size of the file the session was opened for
	ContentType    string    `gorm:"column:content_type" json:"content_type"`
	SessionURL     string    `gorm:"not null;column:session_url" json:"session_url"`
	UploadedBytes  int64     `gorm:"not null;default:0;column:uploaded_bytes" json:"uploaded_bytes"`
	PublicURL      string    `gorm:"column:public_url" json:"public_url"`
	ObjectPath     string    `gorm:"column:object_path" json:"object_path"`
	ServiceSlot    string    `gorm:"column:service_slot" json:"service_slot"`
	IdempotencyKey string    `gorm:"column:idempotency_key" json:"idempotency_key"`
	SavedAt        time.Time `gorm:"not null;index;column:saved_at" json:"saved_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (UploadCheckpoint) TableName() string {
	return "upload_checkpoints"
}
