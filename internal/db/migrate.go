package db

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrDirty reports a database left mid-migration.
var ErrDirty = errors.New("database schema is dirty")

// MigrateUp applies every pending migration. No change is not an error.
func (db *DB) MigrateUp(migrations fs.FS) error {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return err
	}
	// m is not closed: that would close db.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown(migrations fs.FS) error {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied version and dirty flag; 0 when nothing
// has been applied.
func (db *DB) MigrateVersion(migrations fs.FS) (version uint, dirty bool, err error) {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// MigrateForce sets the recorded version without running anything. It is
// for recovering from a dirty state.
func (db *DB) MigrateForce(migrations fs.FS, version int) error {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("force migration to version %d failed: %w", version, err)
	}
	return nil
}

// MigrateTo migrates up or down to version.
func (db *DB) MigrateTo(migrations fs.FS, version uint) error {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	return nil
}

func (db *DB) newMigrate(migrations fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) { logf("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                  { return false }

// MigrationStatus describes the schema state of a database.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Latest  uint
}

// Pending is the number of migrations not yet applied.
func (s MigrationStatus) Pending() uint {
	if s.Latest > s.Version {
		return s.Latest - s.Version
	}
	return 0
}

// GetMigrationStatus compares the applied version with the newest
// migration available.
func (db *DB) GetMigrationStatus(migrations fs.FS) (MigrationStatus, error) {
	version, dirty, err := db.MigrateVersion(migrations)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to get migration version: %w", err)
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{Version: version, Dirty: dirty, Latest: latest}, nil
}

// LatestMigrationVersion returns the highest version among the *.up.sql
// files of migrations.
func LatestMigrationVersion(migrations fs.FS) (uint, error) {
	entries, err := fs.Glob(migrations, "*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("failed to read migrations: %w", err)
	}
	var latest uint
	for _, name := range entries {
		var v uint
		// files are named 000001_name.up.sql
		if _, err := fmt.Sscanf(name, "%d_", &v); err == nil && v > latest {
			latest = v
		}
	}
	if latest == 0 {
		return 0, errors.New("no migration files found")
	}
	return latest, nil
}

// CheckSchema refuses a database that is dirty or behind the embedded
// migrations.
func (db *DB) CheckSchema(migrations fs.FS) error {
	st, err := db.GetMigrationStatus(migrations)
	if err != nil {
		return err
	}
	switch {
	case st.Dirty:
		return fmt.Errorf("%w at version %d; run 'pumpctl migrate force'", ErrDirty, st.Version)
	case st.Version > st.Latest:
		return fmt.Errorf("database version %d is newer than this build (%d)", st.Version, st.Latest)
	case st.Pending() > 0:
		return fmt.Errorf("database schema is at version %d, need %d; run 'pumpctl migrate up'", st.Version, st.Latest)
	}
	return nil
}
