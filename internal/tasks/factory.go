package tasks

import (
	"context"
	"fmt"
	"strings"
)

// NewStore opens the backend named by driver. An empty driver picks postgres when
// databaseURL is set, sqlite when sqlitePath is set, and memory otherwise.
func NewStore(ctx context.Context, driver, databaseURL, sqlitePath string) (Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		switch {
		case strings.TrimSpace(databaseURL) != "":
			driver = "postgres"
		case strings.TrimSpace(sqlitePath) != "":
			driver = "sqlite"
		default:
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(ctx, sqlitePath)
	case "postgres":
		if strings.TrimSpace(databaseURL) == "" {
			return nil, fmt.Errorf("postgres store requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
