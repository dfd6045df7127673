package catalog

import (
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/niktanya/telegram-book-bot/pkg/models"
)

var validate = validator.New()

// Match is the result of a fuzzy title lookup.
type Match struct {
	BookID int64
	Score  float64
}

// LoadReport counts catalog rows rejected while building a Store.
// Policy: invalid records are dropped, duplicate ids keep the first record.
type LoadReport struct {
	Total      int `json:"total"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

func (r LoadReport) Dropped() int {
	return r.Duplicates + r.Invalid
}

type entry struct {
	id      int64
	titles  []string
	authors []string
}

// Store is an immutable index of the book catalog. It is safe for concurrent
// use because nothing mutates it after New returns.
type Store struct {
	books       map[int64]*models.BookRecord
	ids         []int64
	titleIndex  map[string][]int64
	authorIndex map[string][]int64
	entries     []entry
}

func New(records []models.BookRecord, logger *logrus.Logger) (*Store, LoadReport) {
	report := LoadReport{Total: len(records)}
	s := &Store{
		books:       make(map[int64]*models.BookRecord, len(records)),
		titleIndex:  make(map[string][]int64),
		authorIndex: make(map[string][]int64),
	}

	for i := range records {
		rec := records[i]
		if err := validate.Struct(&rec); err != nil {
			report.Invalid++
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"row":     i,
					"book_id": rec.ID,
				}).WithError(err).Warn("Ignoring invalid catalog record")
			}
			continue
		}
		if _, exists := s.books[rec.ID]; exists {
			report.Duplicates++
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"row":     i,
					"book_id": rec.ID,
				}).Warn("Ignoring duplicate catalog record")
			}
			continue
		}

		rec.Authors = append([]string(nil), rec.Authors...)
		rec.AltAuthors = append([]string(nil), rec.AltAuthors...)
		s.books[rec.ID] = &rec
		s.ids = append(s.ids, rec.ID)
		s.index(&rec)
	}

	sort.Slice(s.ids, func(i, j int) bool { return s.ids[i] < s.ids[j] })
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].id < s.entries[j].id })
	for _, idx := range []map[string][]int64{s.titleIndex, s.authorIndex} {
		for key, ids := range idx {
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			idx[key] = ids
		}
	}

	report.Accepted = len(s.ids)
	return s, report
}

func (s *Store) index(rec *models.BookRecord) {
	e := entry{id: rec.ID}
	for _, title := range []string{rec.Title, rec.AltTitle} {
		if n := Normalize(title); n != "" {
			e.titles = append(e.titles, n)
			s.titleIndex[n] = appendUnique(s.titleIndex[n], rec.ID)
		}
	}
	for _, names := range [][]string{rec.Authors, rec.AltAuthors} {
		for _, author := range names {
			if n := Normalize(author); n != "" {
				e.authors = append(e.authors, n)
				s.authorIndex[n] = appendUnique(s.authorIndex[n], rec.ID)
			}
		}
	}
	s.entries = append(s.entries, e)
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func (s *Store) Get(id int64) (*models.BookRecord, bool) {
	b, ok := s.books[id]
	return b, ok
}

func (s *Store) Contains(id int64) bool {
	_, ok := s.books[id]
	return ok
}

func (s *Store) Len() int {
	return len(s.ids)
}

// IDs returns all book ids in ascending order.
func (s *Store) IDs() []int64 {
	return append([]int64(nil), s.ids...)
}

// ExactMatch returns the books whose title or author equals text after
// normalization. Title matches come first, then author matches; each group is
// in ascending id order.
func (s *Store) ExactMatch(text string) []int64 {
	key := Normalize(text)
	if key == "" {
		return nil
	}

	var out []int64
	seen := make(map[int64]struct{})
	for _, ids := range [][]int64{s.titleIndex[key], s.authorIndex[key]} {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Lookup finds the catalog book whose title best matches title. authors, when
// given, break ties between equally good title matches. The caller decides
// whether the returned score is confident enough.
func (s *Store) Lookup(title string, authors ...string) (Match, bool) {
	nt := Normalize(title)
	if nt == "" || len(s.entries) == 0 {
		return Match{}, false
	}

	var na []string
	for _, a := range authors {
		if n := Normalize(a); n != "" {
			na = append(na, n)
		}
	}

	if ids, ok := s.titleIndex[nt]; ok {
		best := ids[0]
		bestAuthor := -1.0
		for _, id := range ids {
			if score := s.authorScore(id, na); score > bestAuthor {
				best, bestAuthor = id, score
			}
		}
		return Match{BookID: best, Score: 1}, true
	}

	var best Match
	bestAuthor := -1.0
	found := false
	for _, e := range s.entries {
		score := 0.0
		for _, t := range e.titles {
			if sim := Similarity(nt, t); sim > score {
				score = sim
			}
		}
		if score <= 0 {
			continue
		}
		author := s.authorScore(e.id, na)
		if !found || score > best.Score || (score == best.Score && author > bestAuthor) {
			best = Match{BookID: e.id, Score: score}
			bestAuthor = author
			found = true
		}
	}
	return best, found
}

func (s *Store) authorScore(id int64, authors []string) float64 {
	if len(authors) == 0 {
		return 0
	}
	rec, ok := s.books[id]
	if !ok {
		return 0
	}
	best := 0.0
	for _, names := range [][]string{rec.Authors, rec.AltAuthors} {
		for _, name := range names {
			n := Normalize(name)
			for _, a := range authors {
				if sim := Similarity(n, a); sim > best {
					best = sim
				}
			}
		}
	}
	return best
}
