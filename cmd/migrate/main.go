package main

import (
	"errors"
	"log"
	"path/filepath"
	"strconv"

	"github.com/asakaida/habilis/internal/infrastructure/config"
	"github.com/asakaida/habilis/internal/infrastructure/database"
	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
)

var (
	envFlag string
	pg      *database.Postgres
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool for Habilis",
	Long: `Database migration tool for Habilis.
Manages the PostgreSQL association tables using golang-migrate.
DB_PASSWORD must be set in the environment or the .env.{env} file.`,
	PersistentPreRun:  setupDatabase,
	PersistentPostRun: closeDatabase,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Long:  `Apply all pending migrations to the database.`,
	Run:   runUp,
}

var downCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Rollback migrations",
	Long:  `Rollback the specified number of migrations (default: 1).`,
	Args:  cobra.MaximumNArgs(1),
	Run:   runDown,
}

var gotoCmd = &cobra.Command{
	Use:   "goto <version>",
	Short: "Migrate to a specific version",
	Long:  `Migrate to a specific version number.`,
	Args:  cobra.ExactArgs(1),
	Run:   runGoto,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show current migration version",
	Long:  `Display the current migration version of the database.`,
	Run:   runVersion,
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Force set migration version (use with caution)",
	Long:  `Force set the migration version without running migrations. Use with caution.`,
	Args:  cobra.ExactArgs(1),
	Run:   runForce,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFlag, "env", "e", "dev", "Environment to use (dev, test, prod)")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(gotoCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(forceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func setupDatabase(cmd *cobra.Command, args []string) {
	log.Printf("Using environment: %s", envFlag)

	if err := config.InitConfig(envFlag); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Store.Driver != config.StoreDriverPostgres {
		log.Fatalf("STORE_DRIVER is %q, migrations only apply to %q", cfg.Store.Driver, config.StoreDriverPostgres)
	}

	pg, err = database.NewPostgres(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Printf("Connected to database: %s@%s:%d/%s",
		cfg.Database.User,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database)
}

func closeDatabase(cmd *cobra.Command, args []string) {
	if pg != nil {
		pg.Close()
	}
}

func newMigrate() *migrate.Migrate {
	root, err := config.ProjectRoot()
	if err != nil {
		log.Fatalf("Failed to find project root: %v", err)
	}

	migrationsPath := filepath.Join(root, database.MigrationsPathSuffix)
	log.Printf("Using migrations path: %s", migrationsPath)

	m, err := pg.NewMigrate(migrationsPath)
	if err != nil {
		log.Fatalf("Failed to create migrate instance: %v", err)
	}
	return m
}

func parseVersion(arg string) uint {
	v, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		log.Fatalf("Invalid version %q: %v", arg, err)
	}
	return uint(v)
}

func runUp(cmd *cobra.Command, args []string) {
	m := newMigrate()
	defer m.Close()

	err := m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No migrations to apply")
	case err != nil:
		log.Fatalf("Migration up failed: %v", err)
	default:
		log.Println("Migration up completed successfully")
	}
}

func runDown(cmd *cobra.Command, args []string) {
	steps := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			log.Fatalf("Invalid steps %q: must be a positive integer", args[0])
		}
		steps = n
	}

	m := newMigrate()
	defer m.Close()

	err := m.Steps(-steps)
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No migrations to rollback")
	case err != nil:
		log.Fatalf("Migration down failed: %v", err)
	default:
		log.Printf("Migration down completed successfully (rolled back %d migration(s))", steps)
	}
}

func runGoto(cmd *cobra.Command, args []string) {
	version := parseVersion(args[0])

	m := newMigrate()
	defer m.Close()

	err := m.Migrate(version)
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Printf("Already at version %d", version)
	case err != nil:
		log.Fatalf("Migration goto failed: %v", err)
	default:
		log.Printf("Migration goto %d completed successfully", version)
	}
}

func runVersion(cmd *cobra.Command, args []string) {
	m := newMigrate()
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Println("Current version: No migrations applied yet")
		return
	}
	if err != nil {
		log.Fatalf("Failed to get version: %v", err)
	}

	if dirty {
		log.Printf("Current version: %d (dirty - migration may have failed)", version)
	} else {
		log.Printf("Current version: %d", version)
	}
}

func runForce(cmd *cobra.Command, args []string) {
	version := int(parseVersion(args[0]))

	m := newMigrate()
	defer m.Close()

	if err := m.Force(version); err != nil {
		log.Fatalf("Migration force failed: %v", err)
	}

	log.Printf("Migration forced to version %d", version)
}
