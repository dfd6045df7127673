package matrix

import (
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/niktanya/telegram-book-bot/pkg/models"
)

const (
	MinRating = 1
	MaxRating = 5
)

// BookIndex is the part of the catalog the matrix needs to reject orphans.
type BookIndex interface {
	Contains(bookID int64) bool
}

type Options struct {
	// MaxOrphanFraction is the share of in-range ratings allowed to reference
	// unknown books before Build refuses the dataset.
	MaxOrphanFraction float64 `mapstructure:"max_orphan_fraction"`
}

func DefaultOptions() Options {
	return Options{MaxOrphanFraction: 0.5}
}

// BuildReport accounts for every input rating.
// Total = Accepted + Orphans + Duplicates + Invalid.
type BuildReport struct {
	Total      int `json:"total"`
	Accepted   int `json:"accepted"`
	Orphans    int `json:"orphans"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

func (r BuildReport) Dropped() int {
	return r.Orphans + r.Duplicates + r.Invalid
}

// Vector is a sparse vector with ids in ascending order.
type Vector struct {
	IDs    []int64
	Values []float64
}

func (v Vector) Len() int {
	return len(v.IDs)
}

func (v Vector) Get(id int64) (float64, bool) {
	i := sort.Search(len(v.IDs), func(i int) bool { return v.IDs[i] >= id })
	if i < len(v.IDs) && v.IDs[i] == id {
		return v.Values[i], true
	}
	return 0, false
}

func (v Vector) Norm() float64 {
	if len(v.Values) == 0 {
		return 0
	}
	return floats.Norm(v.Values, 2)
}

// Overlap returns the values of a and b at the ids both vectors contain,
// aligned by position.
func Overlap(a, b Vector) ([]float64, []float64) {
	var xa, xb []float64
	i, j := 0, 0
	for i < len(a.IDs) && j < len(b.IDs) {
		switch {
		case a.IDs[i] == b.IDs[j]:
			xa = append(xa, a.Values[i])
			xb = append(xb, b.Values[j])
			i++
			j++
		case a.IDs[i] < b.IDs[j]:
			i++
		default:
			j++
		}
	}
	return xa, xb
}

// Dot is the sparse dot product of a and b.
func Dot(a, b Vector) float64 {
	xa, xb := Overlap(a, b)
	if len(xa) == 0 {
		return 0
	}
	return floats.Dot(xa, xb)
}

// Matrix is a read-only sparse user x book rating matrix. Rows are indexed by
// user, columns by book.
type Matrix struct {
	rows     map[int64]Vector
	cols     map[int64]Vector
	colNorms map[int64]float64
	nnz      int
}

// Build turns raw ratings into a Matrix. Out-of-range values and non-positive
// ids are Invalid; ratings for books the catalog does not know are Orphans;
// repeated (user, book) pairs keep the first occurrence. If Orphans exceed
// MaxOrphanFraction of the remaining ratings Build fails with a
// *models.DataIntegrityError and no matrix.
func Build(ratings []models.Rating, books BookIndex, opts Options, logger *logrus.Logger) (*Matrix, BuildReport, error) {
	report := BuildReport{Total: len(ratings)}

	seen := make(map[models.RatingKey]struct{}, len(ratings))
	accepted := make([]models.Rating, 0, len(ratings))

	for _, r := range ratings {
		if r.UserID <= 0 || r.BookID <= 0 || r.Value < MinRating || r.Value > MaxRating {
			report.Invalid++
			continue
		}
		if !books.Contains(r.BookID) {
			report.Orphans++
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"user_id": r.UserID,
					"book_id": r.BookID,
				}).Debug("Dropping rating for unknown book")
			}
			continue
		}
		if _, dup := seen[r.Key()]; dup {
			report.Duplicates++
			continue
		}
		seen[r.Key()] = struct{}{}
		accepted = append(accepted, r)
	}

	considered := report.Total - report.Invalid
	if considered > 0 && float64(report.Orphans)/float64(considered) > opts.MaxOrphanFraction {
		return nil, report, &models.DataIntegrityError{
			Orphans:     report.Orphans,
			Total:       considered,
			MaxFraction: opts.MaxOrphanFraction,
		}
	}

	report.Accepted = len(accepted)
	if logger != nil && report.Dropped() > 0 {
		logger.WithFields(logrus.Fields{
			"orphans":    report.Orphans,
			"duplicates": report.Duplicates,
			"invalid":    report.Invalid,
			"accepted":   report.Accepted,
		}).Warn("Dropped ratings while building rating matrix")
	}

	return fromRatings(accepted), report, nil
}

func fromRatings(ratings []models.Rating) *Matrix {
	sort.Slice(ratings, func(i, j int) bool {
		if ratings[i].UserID != ratings[j].UserID {
			return ratings[i].UserID < ratings[j].UserID
		}
		return ratings[i].BookID < ratings[j].BookID
	})

	m := &Matrix{
		rows:     make(map[int64]Vector),
		cols:     make(map[int64]Vector),
		colNorms: make(map[int64]float64),
		nnz:      len(ratings),
	}

	// Ratings are sorted by (user, book), so rows fill in book order and
	// columns fill in user order.
	for _, r := range ratings {
		row := m.rows[r.UserID]
		row.IDs = append(row.IDs, r.BookID)
		row.Values = append(row.Values, float64(r.Value))
		m.rows[r.UserID] = row

		col := m.cols[r.BookID]
		col.IDs = append(col.IDs, r.UserID)
		col.Values = append(col.Values, float64(r.Value))
		m.cols[r.BookID] = col
	}

	for id, col := range m.cols {
		m.colNorms[id] = col.Norm()
	}
	return m
}

// Row returns the books rated by user. Unknown users have an empty row.
func (m *Matrix) Row(userID int64) Vector {
	return m.rows[userID]
}

// Column returns the users who rated book. Unrated books have an empty column.
func (m *Matrix) Column(bookID int64) Vector {
	return m.cols[bookID]
}

func (m *Matrix) ColumnNorm(bookID int64) float64 {
	return m.colNorms[bookID]
}

func (m *Matrix) HasRated(userID, bookID int64) bool {
	_, ok := m.rows[userID].Get(bookID)
	return ok
}

func (m *Matrix) UserCount() int {
	return len(m.rows)
}

// BookCount is the number of books with at least one rating.
func (m *Matrix) BookCount() int {
	return len(m.cols)
}

func (m *Matrix) NNZ() int {
	return m.nnz
}

func (m *Matrix) Density() float64 {
	cells := len(m.rows) * len(m.cols)
	if cells == 0 {
		return 0
	}
	return float64(m.nnz) / float64(cells)
}

// CoRated returns every book, other than bookID, rated by at least one user
// who also rated bookID. The result is in ascending id order.
func (m *Matrix) CoRated(bookID int64) []int64 {
	col := m.cols[bookID]
	set := make(map[int64]struct{})
	for _, userID := range col.IDs {
		for _, other := range m.rows[userID].IDs {
			if other != bookID {
				set[other] = struct{}{}
			}
		}
	}

	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
