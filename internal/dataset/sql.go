package dataset

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Both SQL sources read the bot's books/ratings tables. Every column is read
// as text so the rows go through the same parsing as CSV cells.
const (
	selectBooks = `SELECT CAST(book_id AS TEXT), COALESCE(title_en, ''), COALESCE(title_ru, ''),
	COALESCE(authors_en, ''), COALESCE(authors_ru, ''), COALESCE(CAST(year AS TEXT), ''),
	COALESCE(genre, ''), COALESCE(description, '')
FROM books ORDER BY book_id`

	selectRatings = `SELECT CAST(user_id AS TEXT), CAST(book_id AS TEXT), CAST(rating AS TEXT)
FROM ratings ORDER BY rating_id`
)

// sqliteSchema creates the tables the bot writes to.
var sqliteSchema = []string{`CREATE TABLE IF NOT EXISTS books (
	book_id INTEGER PRIMARY KEY AUTOINCREMENT,
	title_en TEXT NOT NULL,
	title_ru TEXT NOT NULL,
	authors_en TEXT NOT NULL,
	authors_ru TEXT NOT NULL,
	year TEXT,
	description TEXT,
	genre TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`, `CREATE TABLE IF NOT EXISTS ratings (
	rating_id INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	rating INTEGER NOT NULL CHECK (rating >= 1 AND rating <= 5),
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (book_id) REFERENCES books (book_id),
	UNIQUE(book_id, user_id)
)`}

// OpenSQLite opens the database file at path and checks the connection.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

// InitSQLiteSchema creates the tables if they do not exist.
func InitSQLiteSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sqlite schema: %w", err)
		}
	}
	return nil
}

type SQLSource struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewSQLSource(db *sql.DB, logger *logrus.Logger) *SQLSource {
	return &SQLSource{db: db, logger: logger}
}

func (s *SQLSource) Name() string { return DriverSQLite }

func (s *SQLSource) Close() error {
	return s.db.Close()
}

func (s *SQLSource) Load(ctx context.Context) (*Snapshot, error) {
	c := newCollector(DriverSQLite, s.logger)

	rows, err := s.db.QueryContext(ctx, selectBooks)
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

	rows, err = s.db.QueryContext(ctx, selectRatings)
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
