package dataset

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// Querier is the part of *pgxpool.Pool the postgres source needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresSource struct {
	db     Querier
	logger *logrus.Logger
}

func NewPostgresSource(db Querier, logger *logrus.Logger) *PostgresSource {
	return &PostgresSource{db: db, logger: logger}
}

func (s *PostgresSource) Name() string { return DriverPostgres }

func (s *PostgresSource) Load(ctx context.Context) (*Snapshot, error) {
	c := newCollector(DriverPostgres, s.logger)

	rows, err := s.db.Query(ctx, selectBooks)
	if err != nil {
		return nil, fmt.Errorf("failed to query books: %w", err)
	}
	for n := 1; rows.Next(); n++ {
		var r bookRow
		if err := rows.Scan(&r.ID, &r.TitleEN, &r.TitleRU, &r.AuthorsEN, &r.AuthorsRU, &r.Year, &r.Genre, &r.Description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		c.addBook(n, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read books: %w", err)
	}

	rows, err = s.db.Query(ctx, selectRatings)
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	defer rows.Close()
	for n := 1; rows.Next(); n++ {
		var r ratingRow
		if err := rows.Scan(&r.UserID, &r.BookID, &r.Value); err != nil {
			return nil, fmt.Errorf("failed to scan rating: %w", err)
		}
		c.addRating(n, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ratings: %w", err)
	}

	return c.snapshot(), nil
}
