package models

import "strings"

type BookRecord struct {
	ID          int64    `json:"book_id" db:"book_id" validate:"required,gt=0"`
	Title       string   `json:"title" db:"title" validate:"required,max=500"`
	AltTitle    string   `json:"alt_title,omitempty" db:"alt_title" validate:"max=500"`
	Authors     []string `json:"authors" db:"authors" validate:"dive,required"`
	AltAuthors  []string `json:"alt_authors,omitempty" db:"alt_authors" validate:"dive,required"`
	Year        *int     `json:"year,omitempty" db:"year" validate:"omitempty,min=-3000,max=2100"`
	Genre       string   `json:"genre,omitempty" db:"genre"`
	Description string   `json:"description,omitempty" db:"description"`
}

// AuthorLine joins the author list the way the catalog prints it.
func (b *BookRecord) AuthorLine() string {
	return strings.Join(b.Authors, ", ")
}

// QueryText is the text sent upstream when a book seeds a semantic lookup.
func (b *BookRecord) QueryText() string {
	var sb strings.Builder
	sb.WriteString(b.Title)
	if len(b.Authors) > 0 {
		sb.WriteString(" by ")
		sb.WriteString(b.AuthorLine())
	}
	if b.Genre != "" {
		sb.WriteString(" (")
		sb.WriteString(b.Genre)
		sb.WriteString(")")
	}
	if b.Description != "" {
		sb.WriteString(". ")
		sb.WriteString(b.Description)
	}
	return sb.String()
}

type Rating struct {
	UserID int64 `json:"user_id" db:"user_id" validate:"required"`
	BookID int64 `json:"book_id" db:"book_id" validate:"required"`
	Value  int   `json:"rating" db:"rating" validate:"min=1,max=5"`
}

// RatingKey identifies a (user, book) pair.
type RatingKey struct {
	UserID int64
	BookID int64
}

func (r Rating) Key() RatingKey {
	return RatingKey{UserID: r.UserID, BookID: r.BookID}
}
