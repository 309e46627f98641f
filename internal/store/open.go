package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Open returns the store selected by driver ("fs" or "sqlite") rooted at dataDir.
func Open(driver, dataDir string) (Store, error) {
	switch driver {
	case "", "fs":
		return NewFSStore(dataDir)
	case "sqlite":
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(dataDir, "welltestfit.db"))
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
