package pager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shogotsuneto/go-resumable"
)

// LinkOptions describes a JSON list endpoint whose continuation token is the URL of the next page.
type LinkOptions struct {
	// ItemsField holds the page items (default: "value")
	ItemsField string
	// NextField holds the next page URL (default: "nextLink")
	NextField string
	// PageSizeParam is the query parameter set on the first request (default: "maxpagesize")
	PageSizeParam string
}

// ListError is returned when a list request is answered with a non-2xx status.
type ListError struct {
	URL        string
	StatusCode int
	Fault      *resumable.Fault
}

func (e *ListError) Error() string {
	if e.Fault != nil {
		return fmt.Sprintf("list '%s': status %d: %s", e.URL, e.StatusCode, e.Fault)
	}
	return fmt.Sprintf("list '%s': status %d", e.URL, e.StatusCode)
}

// NewLinkFetcher returns a Fetcher that GETs firstURL and follows next links. opts may be nil.
func NewLinkFetcher[T any](t resumable.Transport, firstURL string, opts *LinkOptions) Fetcher[T] {
	o := LinkOptions{ItemsField: "value", NextField: "nextLink", PageSizeParam: "maxpagesize"}
	if opts != nil {
		if opts.ItemsField != "" {
			o.ItemsField = opts.ItemsField
		}
		if opts.NextField != "" {
			o.NextField = opts.NextField
		}
		if opts.PageSizeParam != "" {
			o.PageSizeParam = opts.PageSizeParam
		}
	}

	return func(ctx context.Context, token string, pageSizeHint int) (Page[T], error) {
		target := token
		base, err := url.Parse(token)
		if err != nil {
			return Page[T]{}, fmt.Errorf("invalid continuation token '%s': %w", token, err)
		}
		if token == "" {
			u, err := url.Parse(firstURL)
			if err != nil {
				return Page[T]{}, fmt.Errorf("invalid list URL '%s': %w", firstURL, err)
			}
			if pageSizeHint > 0 {
				q := u.Query()
				q.Set(o.PageSizeParam, strconv.Itoa(pageSizeHint))
				u.RawQuery = q.Encode()
			}
			base, target = u, u.String()
		}

		resp, err := t.Do(ctx, &resumable.Request{Method: http.MethodGet, URL: target})
		if err != nil {
			return Page[T]{}, err
		}
		if !resp.IsSuccess() {
			return Page[T]{}, &ListError{URL: target, StatusCode: resp.StatusCode, Fault: resumable.ParseFault(resp.Body)}
		}

		var body map[string]json.RawMessage
		if err := resp.JSON(&body); err != nil {
			return Page[T]{}, fmt.Errorf("failed to decode page from '%s': %w", target, err)
		}

		var page Page[T]
		if raw, ok := body[o.ItemsField]; ok {
			if err := json.Unmarshal(raw, &page.Items); err != nil {
				return Page[T]{}, fmt.Errorf("failed to decode items from '%s': %w", target, err)
			}
		}
		if raw, ok := body[o.NextField]; ok {
			var next *string
			if err := json.Unmarshal(raw, &next); err != nil {
				return Page[T]{}, fmt.Errorf("failed to decode next link from '%s': %w", target, err)
			}
			if next != nil && *next != "" {
				ref, err := url.Parse(*next)
				if err != nil {
					return Page[T]{}, fmt.Errorf("invalid next link '%s': %w", *next, err)
				}
				page.NextToken = base.ResolveReference(ref).String()
			}
		}
		return page, nil
	}
}
