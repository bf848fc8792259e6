package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the schema migrations in lexical order. When
// migrationsDir is non-empty and exists it takes precedence over the files
// embedded in the binary. Statements are idempotent (CREATE IF NOT EXISTS),
// so re-running on an existing database is safe.
func RunMigrations(sqlDB *sql.DB, migrationsDir string) error {
	var fsys fs.FS = embeddedMigrations
	root := "migrations"
	if migrationsDir != "" {
		if _, err := os.Stat(migrationsDir); err == nil {
			fsys = os.DirFS(migrationsDir)
			root = "."
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat migrations dir: %w", err)
		}
	}

	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := name
		if root != "." {
			path = root + "/" + name
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if len(data) == 0 {
			continue
		}
		if _, err := sqlDB.Exec(string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}
