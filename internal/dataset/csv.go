package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Column aliases, first match wins. Both the bilingual export and the
// goodbooks layout (original_title/title/authors) are understood.
var (
	colBookID      = []string{"book_id", "id"}
	colTitleEN     = []string{"title_en", "original_title"}
	colTitleRU     = []string{"title_ru", "title"}
	colAuthorsEN   = []string{"authors_en", "authors", "author"}
	colAuthorsRU   = []string{"authors_ru"}
	colYear        = []string{"year", "original_publication_year"}
	colGenre       = []string{"genre", "genres"}
	colDescription = []string{"description"}

	colUserID = []string{"user_id"}
	colRating = []string{"rating"}
)

const ctxCheckEvery = 1024

type CSVSource struct {
	booksPath   string
	ratingsPath string
	logger      *logrus.Logger
}

func NewCSVSource(booksPath, ratingsPath string, logger *logrus.Logger) *CSVSource {
	return &CSVSource{booksPath: booksPath, ratingsPath: ratingsPath, logger: logger}
}

func (s *CSVSource) Name() string { return DriverCSV }

func (s *CSVSource) Load(ctx context.Context) (*Snapshot, error) {
	c := newCollector(DriverCSV, s.logger)
	if err := s.readBooks(ctx, c); err != nil {
		return nil, err
	}
	if err := s.readRatings(ctx, c); err != nil {
		return nil, err
	}
	return c.snapshot(), nil
}

func (s *CSVSource) readBooks(ctx context.Context, c *collector) error {
	return readCSV(ctx, s.booksPath, func(h header) error {
		if h.index(colBookID) < 0 {
			return fmt.Errorf("missing column %q", colBookID[0])
		}
		if h.index(colTitleEN) < 0 && h.index(colTitleRU) < 0 {
			return fmt.Errorf("missing column %q", colTitleEN[0])
		}
		return nil
	}, func(row int, h header, rec []string) {
		c.addBook(row, bookRow{
			ID:          h.get(rec, colBookID),
			TitleEN:     h.get(rec, colTitleEN),
			TitleRU:     h.get(rec, colTitleRU),
			AuthorsEN:   h.get(rec, colAuthorsEN),
			AuthorsRU:   h.get(rec, colAuthorsRU),
			Year:        h.get(rec, colYear),
			Genre:       h.get(rec, colGenre),
			Description: h.get(rec, colDescription),
		})
	})
}

func (s *CSVSource) readRatings(ctx context.Context, c *collector) error {
	return readCSV(ctx, s.ratingsPath, func(h header) error {
		for _, col := range [][]string{colUserID, colBookID, colRating} {
			if h.index(col) < 0 {
				return fmt.Errorf("missing column %q", col[0])
			}
		}
		return nil
	}, func(row int, h header, rec []string) {
		c.addRating(row, ratingRow{
			UserID: h.get(rec, colUserID),
			BookID: h.get(rec, colBookID),
			Value:  h.get(rec, colRating),
		})
	})
}

type header map[string]int

func (h header) index(aliases []string) int {
	for _, a := range aliases {
		if i, ok := h[a]; ok {
			return i
		}
	}
	return -1
}

// get returns the first non-empty aliased cell of rec.
func (h header) get(rec []string, aliases []string) string {
	for _, a := range aliases {
		if i, ok := h[a]; ok && i < len(rec) && strings.TrimSpace(rec[i]) != "" {
			return rec[i]
		}
	}
	return ""
}

func readCSV(ctx context.Context, path string, check func(header) error, each func(row int, h header, rec []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	first, err := r.Read()
	if err != nil {
		return fmt.Errorf("dataset: %s: reading header: %w", path, err)
	}
	h := make(header, len(first))
	for i, name := range first {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := h[name]; !dup {
			h[name] = i
		}
	}
	if err := check(h); err != nil {
		return fmt.Errorf("dataset: %s: %w", path, err)
	}

	for row := 2; ; row++ {
		if row%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dataset: %s: %w", path, err)
		}
		each(row, h, rec)
	}
}
