package semantic

import (
	"fmt"
	"strings"
)

const searchInstructions = `You are a book expert. Find the books that best match the user's request.
The request may describe the plot, name the author, give the title, or any mix of these.
Suggest up to %d of the most relevant books, best match first.

For every book give:
- title_en: the title in English
- title_ru: the title in Russian
- authors_en: the authors in English, separated by ", "
- authors_ru: the authors in Russian, separated by ", "
- year: the year of first publication
- genre: the genre
- description: a short description
- score: how well the book matches the request, a number from 0 to 1

Answer with a JSON object only:
{"books": [{"title_en": "", "title_ru": "", "authors_en": "", "authors_ru": "", "year": "", "genre": "", "description": "", "score": 0.0}]}`

const similarInstructions = `You are a book expert. Recommend %d books similar to the book the user gives.
Base the recommendations on genre, style, themes and audience. Never recommend the book itself.

For every recommended book give:
- title: the title
- author: the author
- year: the year of first publication
- genre: the genre
- description: a short description, under 100 words
- similarity: one or two sentences on why it is similar
- score: how similar it is, a number from 0 to 1

Answer with a JSON object only:
{"original_book": {"title": "", "author": ""}, "recommendations": [{"title": "", "author": "", "year": "", "genre": "", "description": "", "similarity": "", "score": 0.0}]}`

func buildMessages(q Query) []Message {
	switch q.Mode {
	case ModeSimilarTo:
		return []Message{
			{Role: "system", Content: fmt.Sprintf(similarInstructions, q.MaxResults)},
			{Role: "user", Content: fmt.Sprintf("Recommend books similar to: %s", strings.TrimSpace(q.Text))},
		}
	default:
		return []Message{
			{Role: "system", Content: fmt.Sprintf(searchInstructions, q.MaxResults)},
			{Role: "user", Content: strings.TrimSpace(q.Text)},
		}
	}
}
