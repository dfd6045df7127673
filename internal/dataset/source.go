// Package dataset loads the book catalog and the ratings table from CSV
// files, SQLite or PostgreSQL into the record types the engine builds a
// generation from.
package dataset

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	DriverCSV      = "csv"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Source loads a complete snapshot of both datasets.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
	Name() string
}

type Config struct {
	Driver      string `mapstructure:"driver"`
	BooksPath   string `mapstructure:"books_path"`
	RatingsPath string `mapstructure:"ratings_path"`
	SQLitePath  string `mapstructure:"sqlite_path"`
}

// NewSource builds the source cfg.Driver names. pg is only used by the
// postgres driver and may be nil otherwise.
func NewSource(cfg Config, pg Querier, logger *logrus.Logger) (Source, error) {
	switch cfg.Driver {
	case DriverCSV, "":
		if cfg.BooksPath == "" || cfg.RatingsPath == "" {
			return nil, fmt.Errorf("dataset: csv driver needs books_path and ratings_path")
		}
		return NewCSVSource(cfg.BooksPath, cfg.RatingsPath, logger), nil
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("dataset: sqlite driver needs sqlite_path")
		}
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLSource(db, logger), nil
	case DriverPostgres:
		if pg == nil {
			return nil, fmt.Errorf("dataset: postgres driver needs a database connection")
		}
		return NewPostgresSource(pg, logger), nil
	default:
		return nil, fmt.Errorf("dataset: unknown driver %q", cfg.Driver)
	}
}
