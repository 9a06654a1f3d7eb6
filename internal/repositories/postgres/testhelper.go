package postgres

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/asakaida/habilis/internal/entities"
	"github.com/asakaida/habilis/internal/infrastructure/config"
	"github.com/asakaida/habilis/internal/infrastructure/database"
	_ "github.com/lib/pq"
)

// SetupTestDB connects to the test database and runs migrations.
// The test is skipped when no database is reachable.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	if err := config.InitConfig("test"); err != nil {
		t.Fatalf("Failed to init config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Skipf("Database config unavailable: %v", err)
	}

	pg, err := database.NewPostgres(&cfg.Database)
	if err != nil {
		t.Skipf("Database unavailable: %v", err)
	}

	root, err := config.ProjectRoot()
	if err != nil {
		t.Fatalf("Failed to find project root: %v", err)
	}
	if err := pg.RunMigrations(filepath.Join(root, database.MigrationsPathSuffix)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	truncateAssociationTables(t, pg.DB)
	return pg.DB
}

// CleanupTestDB removes test data and closes the database connection
func CleanupTestDB(t *testing.T, db *sql.DB) {
	t.Helper()

	truncateAssociationTables(t, db)

	if err := db.Close(); err != nil {
		t.Logf("Warning: Failed to close database: %v", err)
	}
}

func truncateAssociationTables(t *testing.T, db *sql.DB) {
	t.Helper()

	for _, kind := range entities.Kinds {
		table := kind.Table().Name
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			t.Logf("Warning: Failed to clean up table %s: %v", table, err)
		}
	}
}
