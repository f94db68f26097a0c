// Package migration applies the embedded SQL schema on startup.
package migration

import (
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var migrations embed.FS

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

// Run migrates the schema up. SQLite is used only by tests, which build
// their schema directly, so it is skipped here.
func Run(db *gorm.DB, log *zap.Logger) error {
	dialect := db.Dialector.Name()
	if dialect == "sqlite" {
		log.Named("migration").Info("skipping sql migrations", zap.String("dialect", dialect))
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return err
	}

	var driver database.Driver
	switch dialect {
	case "postgres":
		driver, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	case "mysql":
		driver, err = migratemysql.WithInstance(sqlDB, &migratemysql.Config{})
	default:
		return errors.New("unsupported migration dialect: " + dialect)
	}
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	log.Named("migration").Info("schema migrated",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}
