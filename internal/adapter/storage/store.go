package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/rl1809/wholesale-allocation/internal/adapter/storage/migrations"
	"github.com/rl1809/wholesale-allocation/internal/port"
	"github.com/rl1809/wholesale-allocation/pkg/config"
)

// Ledger is everything the commands need from one store.
type Ledger interface {
	port.LedgerRepository
	port.OutboxRepository
	port.CatalogRepository
}

// Store owns the connection behind a Ledger.
type Store struct {
	Ledger
	driver string
	sqlDB  *sql.DB
	gorm   *GormAdapter
}

// Open connects to the configured database. MySQL runs on database/sql,
// postgres and sqlite on gorm. With AutoMigrate set the schema is brought up
// to date before returning; sqlite is always migrated.
func Open(ctx context.Context, cfg config.DBConfig) (*Store, error) {
	driver := strings.ToLower(cfg.Driver)

	switch driver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		s := &Store{Ledger: NewMySQLAdapter(db), driver: driver, sqlDB: db}
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx, "up"); err != nil {
				db.Close()
				return nil, err
			}
		}
		return s, nil

	case config.DriverPostgres, config.DriverSQLite:
		gdb, err := OpenGorm(cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		adapter := NewGormAdapter(gdb)
		s := &Store{Ledger: adapter, driver: driver, sqlDB: sqlDB, gorm: adapter}
		if cfg.AutoMigrate || driver == config.DriverSQLite {
			if err := s.Migrate(ctx, "up"); err != nil {
				sqlDB.Close()
				return nil, err
			}
		}
		return s, nil
	}

	return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
}

// Migrate runs a goose command. sqlite has no goose scripts, so "up" builds
// its schema from the row models and anything else is rejected.
func (s *Store) Migrate(ctx context.Context, command string, args ...string) error {
	if s.driver == config.DriverSQLite {
		if command != "up" {
			return fmt.Errorf("sqlite supports only up, got %q", command)
		}
		return s.gorm.AutoMigrate(ctx)
	}
	return migrations.Run(ctx, s.sqlDB, s.driver, command, args...)
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.sqlDB.Close()
}
