package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Backing names accepted by Provide (and AGENTATION_STORE).
const (
	BackingSQLite = "sqlite"
	BackingMemory = "memory"
)

// DefaultPath returns the default location of the durable store,
// ~/.agentation/store.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "store.db"
	}
	return filepath.Join(home, ".agentation", "store.db")
}

// Provide constructs the store for the configured backing. An empty path
// falls back to DefaultPath for the sqlite backing.
func Provide(backing, path string) (Store, error) {
	switch backing {
	case BackingMemory:
		return NewMemoryStore(), nil
	case BackingSQLite, "":
		if path == "" {
			path = DefaultPath()
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backing: %s", backing)
	}
}
