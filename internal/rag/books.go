package rag

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"book-rag/internal/models"
)

const opBooks = "books"

// ListBooks returns the sorted, distinct book names found in the index. It
// never fails: any error yields an empty list.
//
// Without an exact Catalog the list is approximate. It is sampled from the
// BooksSampleSize nearest neighbours of a generic probe, so a book whose
// chunks all rank below that cut is missing.
func (e *Engine) ListBooks(ctx context.Context) []string {
	start := time.Now()
	books, err := e.listBooks(ctx)
	e.observe(opBooks, start, err)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list available books")
		return []string{}
	}
	return books
}

func (e *Engine) listBooks(ctx context.Context) ([]string, error) {
	if err := e.guard.EnsureReady(ctx); err != nil {
		return nil, err
	}

	if catalog, ok := e.index.(Catalog); ok {
		books, err := catalog.Books(ctx)
		if err == nil {
			return distinctSorted(books), nil
		}
		log.Warn().Err(err).Msg("Book catalog failed, falling back to sampling")
	}

	result, err := e.retrieve(ctx, models.BooksProbe, "", e.opts.BooksSampleSize)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(result.Matches))
	for _, m := range result.Matches {
		if book, ok := m.Metadata[models.MetaBook].(string); ok {
			names = append(names, book)
		}
	}
	return distinctSorted(names), nil
}

func distinctSorted(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
