package dataset

import (
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/internal/catalog"
	"github.com/niktanya/telegram-book-bot/pkg/models"
)

var validate = validator.New()

// Snapshot is one read of both datasets. Rows that could not be parsed are
// counted in Report and left out; semantic checks (duplicates, orphans,
// out-of-range ratings) happen when the generation is built.
type Snapshot struct {
	Books   []models.BookRecord
	Ratings []models.Rating
	Report  Report
}

type Report struct {
	BookRows       int `json:"book_rows"`
	RatingRows     int `json:"rating_rows"`
	SkippedBooks   int `json:"skipped_books"`
	SkippedRatings int `json:"skipped_ratings"`
}

// bookRow is a books row as text, whatever the storage.
type bookRow struct {
	ID          string `validate:"required,number"`
	TitleEN     string `validate:"required_without=TitleRU"`
	TitleRU     string
	AuthorsEN   string
	AuthorsRU   string
	Year        string
	Genre       string
	Description string
}

type ratingRow struct {
	UserID string `validate:"required,number"`
	BookID string `validate:"required,number"`
	Value  string `validate:"required,numeric"`
}

func (r bookRow) record() (models.BookRecord, error) {
	id, err := strconv.ParseInt(r.ID, 10, 64)
	if err != nil {
		return models.BookRecord{}, err
	}

	b := models.BookRecord{
		ID:          id,
		Title:       r.TitleEN,
		AltTitle:    r.TitleRU,
		Authors:     splitAuthors(r.AuthorsEN),
		AltAuthors:  splitAuthors(r.AuthorsRU),
		Year:        parseYear(r.Year),
		Genre:       r.Genre,
		Description: r.Description,
	}
	if b.Title == "" {
		b.Title, b.AltTitle = b.AltTitle, ""
	}
	if catalog.Normalize(b.AltTitle) == catalog.Normalize(b.Title) {
		b.AltTitle = ""
	}
	if len(b.Authors) == 0 {
		b.Authors, b.AltAuthors = b.AltAuthors, nil
	}
	if sameAuthors(b.Authors, b.AltAuthors) {
		b.AltAuthors = nil
	}
	return b, nil
}

// rating parses the row. Fractional values are rounded; the range check is
// left to the matrix build so out-of-range rows are counted there.
func (r ratingRow) rating() (models.Rating, error) {
	user, err := strconv.ParseInt(r.UserID, 10, 64)
	if err != nil {
		return models.Rating{}, err
	}
	book, err := strconv.ParseInt(r.BookID, 10, 64)
	if err != nil {
		return models.Rating{}, err
	}
	value, err := strconv.ParseFloat(r.Value, 64)
	if err != nil {
		return models.Rating{}, err
	}
	return models.Rating{UserID: user, BookID: book, Value: int(math.Round(value))}, nil
}

// splitAuthors splits an author cell on ";" when present, else on ",".
func splitAuthors(s string) []string {
	sep := ","
	if strings.Contains(s, ";") {
		sep = ";"
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseYear accepts "1965" and the "1965.0" form spreadsheets export. Blank
// or unparseable years are treated as unknown.
func parseYear(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	y := int(f)
	return &y
}

func sameAuthors(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if catalog.Normalize(a[i]) != catalog.Normalize(b[i]) {
			return false
		}
	}
	return true
}

// collector accumulates parsed rows and counts the ones it skips.
type collector struct {
	source string
	logger *logrus.Logger
	snap   Snapshot
}

func newCollector(source string, logger *logrus.Logger) *collector {
	return &collector{source: source, logger: logger}
}

func (c *collector) addBook(row int, r bookRow) {
	c.snap.Report.BookRows++
	r = trimBook(r)
	if err := validate.Struct(r); err != nil {
		c.skipBook(row, err)
		return
	}
	b, err := r.record()
	if err != nil {
		c.skipBook(row, err)
		return
	}
	c.snap.Books = append(c.snap.Books, b)
}

func (c *collector) addRating(row int, r ratingRow) {
	c.snap.Report.RatingRows++
	r.UserID = strings.TrimSpace(r.UserID)
	r.BookID = strings.TrimSpace(r.BookID)
	r.Value = strings.TrimSpace(r.Value)
	if err := validate.Struct(r); err != nil {
		c.skipRating(row, err)
		return
	}
	rt, err := r.rating()
	if err != nil {
		c.skipRating(row, err)
		return
	}
	c.snap.Ratings = append(c.snap.Ratings, rt)
}

func (c *collector) skipBook(row int, err error) {
	c.snap.Report.SkippedBooks++
	c.logger.WithError(err).WithFields(logrus.Fields{
		"source": c.source,
		"row":    row,
	}).Warn("Skipping malformed book row")
}

func (c *collector) skipRating(row int, err error) {
	c.snap.Report.SkippedRatings++
	c.logger.WithError(err).WithFields(logrus.Fields{
		"source": c.source,
		"row":    row,
	}).Debug("Skipping malformed rating row")
}

func (c *collector) snapshot() *Snapshot {
	if c.snap.Report.SkippedRatings > 0 {
		c.logger.WithFields(logrus.Fields{
			"source":  c.source,
			"skipped": c.snap.Report.SkippedRatings,
		}).Warn("Malformed rating rows skipped")
	}
	c.logger.WithFields(logrus.Fields{
		"source":  c.source,
		"books":   len(c.snap.Books),
		"ratings": len(c.snap.Ratings),
	}).Info("Dataset loaded")
	snap := c.snap
	return &snap
}

func trimBook(r bookRow) bookRow {
	r.ID = strings.TrimSpace(r.ID)
	r.TitleEN = strings.TrimSpace(r.TitleEN)
	r.TitleRU = strings.TrimSpace(r.TitleRU)
	r.AuthorsEN = strings.TrimSpace(r.AuthorsEN)
	r.AuthorsRU = strings.TrimSpace(r.AuthorsRU)
	r.Genre = strings.TrimSpace(r.Genre)
	r.Description = strings.TrimSpace(r.Description)
	return r
}
