package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations applies the embedded postgres schema.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the schema from the gorm models for databases the SQL
// migrations do not target. MySQL has no partial indexes, so the
// one-active-key constraint is only enforced by the orchestrator there.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&bookingdomain.Booking{},
		&vkdomain.VirtualKey{},
		&vkdomain.RetryRecord{},
		&activitydomain.Entry{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if db.Dialector.Name() == "mysql" {
		return nil
	}
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_virtual_keys_active_type
		 ON virtual_keys (booking_id, key_type) WHERE is_active`,
	).Error; err != nil {
		return fmt.Errorf("create active key index: %w", err)
	}
	return nil
}
