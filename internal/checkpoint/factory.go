package checkpoint

import (
	"fmt"

	"vstage-upload/internal/config"

	"gorm.io/gorm"
)

// New selects the store named by kind (see config.Store*). db is required
// for the database store only.
func New(kind string, db *gorm.DB) (Store, error) {
	switch kind {
	case config.StoreDatabase:
		if db == nil {
			return nil, fmt.Errorf("database checkpoint store needs a database connection")
		}
		return NewDBStore(db), nil
	case config.StoreKeyring:
		return NewKeyringStore(""), nil
	case config.StoreMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint store %q", kind)
	}
}
