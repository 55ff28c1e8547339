package upload

import (
	"fmt"
)

// DefaultMaxFileSize is the hard per-file ceiling
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// ValidateFile checks a file before any network call is made
func ValidateFile(f File, maxSize int64) error {
	if f.Identity.Name == "" {
		return &ValidationError{"name", "required"}
	}
	if f.Content == nil {
		return &ValidationError{"content", "required"}
	}
	if f.Identity.Size < 0 {
		return &ValidationError{"size", fmt.Sprintf("must not be negative, got %d", f.Identity.Size)}
	}
	if maxSize > 0 && f.Identity.Size > maxSize {
		return &ValidationError{"size", "size exceeds limit"}
	}
	return nil
}
