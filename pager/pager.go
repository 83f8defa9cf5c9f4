// Package pager iterates over paged listings that are continued with an opaque token.
package pager

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/shogotsuneto/go-resumable"
)

// Page is one page of a listing. An empty NextToken marks the last page.
type Page[T any] struct {
	Items     []T
	NextToken string
}

// Fetcher retrieves the page identified by token; the empty token is the first page.
// pageSizeHint is advisory and zero when the caller has no preference.
type Fetcher[T any] func(ctx context.Context, token string, pageSizeHint int) (Page[T], error)

// Options configures a Pager.
type Options struct {
	// PageSize is passed to the fetcher as a hint
	PageSize int
	// ContinuationToken resumes a listing from a page boundary
	ContinuationToken string
	// Skip drops this many items from the first page fetched; pair it with Offset to resume mid-page
	Skip int
}

// Pager walks a paged listing either page by page or item by item.
// Use one style per pager; mixing NextPage and Next skips buffered items.
type Pager[T any] struct {
	fetch    Fetcher[T]
	pageSize int
	token    string
	done     bool
	skip     int
	skipped  int

	items     []T
	idx       int
	pageToken string
	pageBase  int
}

// New creates a pager. opts may be nil.
func New[T any](fetch Fetcher[T], opts *Options) *Pager[T] {
	p := &Pager[T]{fetch: fetch}
	if opts != nil {
		p.pageSize = opts.PageSize
		p.token = opts.ContinuationToken
		p.skip = max(opts.Skip, 0)
	}
	return p
}

// More reports whether another page may be fetched.
func (p *Pager[T]) More() bool {
	return !p.done
}

// NextPage fetches the next page. It returns resumable.ErrDone after the last page.
// A failed fetch leaves the pager unchanged, so the call can be retried.
func (p *Pager[T]) NextPage(ctx context.Context) (Page[T], error) {
	if p.done {
		return Page[T]{}, resumable.ErrDone
	}
	if err := ctx.Err(); err != nil {
		return Page[T]{}, err
	}

	page, err := p.fetch(ctx, p.token, p.pageSize)
	if err != nil {
		return Page[T]{}, err
	}
	if page.NextToken != "" && page.NextToken == p.token && len(page.Items) == 0 {
		return Page[T]{}, fmt.Errorf("listing did not advance past token '%s'", p.token)
	}
	p.token = page.NextToken
	p.done = page.NextToken == ""
	p.skipped = 0
	if p.skip > 0 {
		p.skipped = min(p.skip, len(page.Items))
		page.Items = page.Items[p.skipped:]
		p.skip = 0
	}
	return page, nil
}

// Next returns the next item, fetching pages as needed. Empty pages are skipped.
// It returns resumable.ErrDone when the listing is exhausted.
func (p *Pager[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for p.idx >= len(p.items) {
		if p.done {
			return zero, resumable.ErrDone
		}
		token := p.token
		page, err := p.NextPage(ctx)
		if err != nil {
			return zero, err
		}
		p.items = page.Items
		p.idx = 0
		p.pageToken = token
		p.pageBase = p.skipped
	}
	item := p.items[p.idx]
	p.idx++
	return item, nil
}

// All iterates over the remaining items. Iteration stops after the first error.
func (p *Pager[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := p.Next(ctx)
			if errors.Is(err, resumable.ErrDone) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// ContinuationToken returns a token that resumes the listing at a page boundary.
// If items of the current page are still buffered, the token refetches that page; pass Offset as
// Options.Skip to leave out the items already returned.
// The token is empty both at the start of a listing and once it is exhausted; check More to tell them apart.
func (p *Pager[T]) ContinuationToken() string {
	if p.idx < len(p.items) {
		return p.pageToken
	}
	return p.token
}

// Offset is the number of items of the page addressed by ContinuationToken that Next already returned.
func (p *Pager[T]) Offset() int {
	if p.idx < len(p.items) {
		return p.pageBase + p.idx
	}
	return 0
}
