package catalog

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niktanya/telegram-book-bot/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func sampleBooks() []models.BookRecord {
	return []models.BookRecord{
		{ID: 1, Title: "Dune", Authors: []string{"Frank Herbert"}, Genre: "Science Fiction"},
		{ID: 2, Title: "Foundation", AltTitle: "Основание", Authors: []string{"Isaac Asimov"}, AltAuthors: []string{"Айзек Азимов"}},
		{ID: 3, Title: "The Hunger Games", Authors: []string{"Suzanne Collins"}},
		{ID: 4, Title: "Dune Messiah", Authors: []string{"Frank Herbert"}},
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Dune", "dune"},
		{"  The   Hunger-Games! ", "the hunger games"},
		{"Ёлка", "елка"},
		{"Café", "cafe"},
		{"", ""},
		{"!!!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("dune", "dune"))
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("abc", ""))
	assert.InDelta(t, 0.8, Similarity("dune", "dunes"), 1e-9)
	assert.InDelta(t, 0.8, Similarity("foundation", "foundatoin"), 1e-9)
	assert.InDelta(t, 0.9, Similarity("foundation", "foundaton"), 1e-9)
}

func TestNew_DropsInvalidAndDuplicates(t *testing.T) {
	books := append(sampleBooks(),
		models.BookRecord{ID: 2, Title: "Foundation (second copy)", Authors: []string{"Isaac Asimov"}},
		models.BookRecord{ID: 0, Title: "No id"},
		models.BookRecord{ID: 9, Title: ""},
	)

	store, report := New(books, testLogger())

	assert.Equal(t, 7, report.Total)
	assert.Equal(t, 4, report.Accepted)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 2, report.Invalid)
	assert.Equal(t, 3, report.Dropped())

	assert.Equal(t, 4, store.Len())
	assert.Equal(t, []int64{1, 2, 3, 4}, store.IDs())

	book, ok := store.Get(2)
	require.True(t, ok)
	assert.Equal(t, "Foundation", book.Title, "first record wins")
	assert.False(t, store.Contains(9))
}

func TestStore_ExactMatch(t *testing.T) {
	store, _ := New(sampleBooks(), testLogger())

	assert.Equal(t, []int64{1}, store.ExactMatch("  DUNE "))
	assert.Equal(t, []int64{1, 4}, store.ExactMatch("frank herbert"))
	assert.Equal(t, []int64{2}, store.ExactMatch("основание"))
	assert.Equal(t, []int64{2}, store.ExactMatch("Айзек Азимов"))
	assert.Empty(t, store.ExactMatch("space opera"))
	assert.Empty(t, store.ExactMatch("   "))
}

func TestStore_Lookup(t *testing.T) {
	store, _ := New(sampleBooks(), testLogger())

	t.Run("exact title", func(t *testing.T) {
		m, ok := store.Lookup("the hunger games")
		require.True(t, ok)
		assert.Equal(t, int64(3), m.BookID)
		assert.Equal(t, 1.0, m.Score)
	})

	t.Run("typo", func(t *testing.T) {
		m, ok := store.Lookup("Foundaton", "Asimov")
		require.True(t, ok)
		assert.Equal(t, int64(2), m.BookID)
		assert.Greater(t, m.Score, 0.8)
		assert.Less(t, m.Score, 1.0)
	})

	t.Run("alternate title", func(t *testing.T) {
		m, ok := store.Lookup("Основание")
		require.True(t, ok)
		assert.Equal(t, int64(2), m.BookID)
	})

	t.Run("unrelated title scores low", func(t *testing.T) {
		m, ok := store.Lookup("War and Peace")
		if ok {
			assert.Less(t, m.Score, 0.8)
		}
	})

	t.Run("empty title", func(t *testing.T) {
		_, ok := store.Lookup("  ")
		assert.False(t, ok)
	})
}

func TestStore_LookupAuthorBreaksTies(t *testing.T) {
	store, _ := New([]models.BookRecord{
		{ID: 10, Title: "Solaris", Authors: []string{"Stanislaw Lem"}},
		{ID: 11, Title: "Solaris", Authors: []string{"Someone Else"}},
	}, testLogger())

	m, ok := store.Lookup("Solaris", "Someone Else")
	require.True(t, ok)
	assert.Equal(t, int64(11), m.BookID)

	m, ok = store.Lookup("Solaris")
	require.True(t, ok)
	assert.Equal(t, int64(10), m.BookID, "lowest id without author hint")
}
