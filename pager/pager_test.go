package pager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shogotsuneto/go-resumable"
)

// staticFetcher serves pages keyed by token and records the calls made.
type staticFetcher struct {
	pages map[string]Page[int]
	calls []string
	hints []int
	fail  map[string]error
}

func (f *staticFetcher) fetch(_ context.Context, token string, hint int) (Page[int], error) {
	f.calls = append(f.calls, token)
	f.hints = append(f.hints, hint)
	if err, ok := f.fail[token]; ok {
		delete(f.fail, token)
		return Page[int]{}, err
	}
	page, ok := f.pages[token]
	if !ok {
		return Page[int]{}, fmt.Errorf("unknown token %q", token)
	}
	return page, nil
}

func fivePages() *staticFetcher {
	return &staticFetcher{pages: map[string]Page[int]{
		"":   {Items: []int{1, 2}, NextToken: "p2"},
		"p2": {Items: []int{3, 4}, NextToken: "p3"},
		"p3": {Items: []int{5}},
	}}
}

func collect(t *testing.T, p *Pager[int]) []int {
	t.Helper()
	var out []int
	for item, err := range p.All(context.Background()) {
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

func TestPager_Items(t *testing.T) {
	f := fivePages()
	p := New(f.fetch, &Options{PageSize: 2})

	assert.Equal(t, []int{1, 2, 3, 4, 5}, collect(t, p))
	assert.Equal(t, []string{"", "p2", "p3"}, f.calls)
	assert.Equal(t, []int{2, 2, 2}, f.hints)
	assert.False(t, p.More())

	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, resumable.ErrDone)
	assert.Empty(t, p.ContinuationToken())
}

func TestPager_Pages(t *testing.T) {
	p := New(fivePages().fetch, nil)

	var sizes []int
	for p.More() {
		page, err := p.NextPage(context.Background())
		require.NoError(t, err)
		sizes = append(sizes, len(page.Items))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	_, err := p.NextPage(context.Background())
	assert.ErrorIs(t, err, resumable.ErrDone)
}

func TestPager_EmptyPagesAreFollowed(t *testing.T) {
	f := &staticFetcher{pages: map[string]Page[int]{
		"":  {NextToken: "a"},
		"a": {Items: []int{}, NextToken: "b"},
		"b": {Items: []int{7}},
	}}
	assert.Equal(t, []int{7}, collect(t, New(f.fetch, nil)))
}

func TestPager_StuckToken(t *testing.T) {
	f := &staticFetcher{pages: map[string]Page[int]{
		"":  {Items: []int{1}, NextToken: "a"},
		"a": {NextToken: "a"},
	}}
	p := New(f.fetch, nil)

	_, err := p.Next(context.Background())
	require.NoError(t, err)
	_, err = p.Next(context.Background())
	assert.ErrorContains(t, err, "did not advance")
}

func TestPager_ContinuationToken(t *testing.T) {
	f := fivePages()
	p := New(f.fetch, nil)
	assert.Empty(t, p.ContinuationToken())

	first, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first)
	// the current page still has an item buffered
	assert.Empty(t, p.ContinuationToken())

	_, err = p.Next(context.Background())
	require.NoError(t, err)
	token := p.ContinuationToken()
	assert.Equal(t, "p2", token)

	assert.Zero(t, p.Offset())

	resumed := New(f.fetch, &Options{ContinuationToken: token})
	assert.Equal(t, []int{3, 4, 5}, collect(t, resumed))

	_, err = p.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ContinuationToken())
	assert.Equal(t, 1, p.Offset())
}

func TestPager_ResumeMidPage(t *testing.T) {
	f := fivePages()
	p := New(f.fetch, nil)
	for _, want := range []int{1, 2, 3} {
		got, err := p.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	token, offset := p.ContinuationToken(), p.Offset()
	assert.Equal(t, "p2", token)
	assert.Equal(t, 1, offset)

	// the token alone refetches the page, so the item already returned comes back
	assert.Equal(t, []int{3, 4, 5}, collect(t, New(f.fetch, &Options{ContinuationToken: token})))

	resumed := New(f.fetch, &Options{ContinuationToken: token, Skip: offset})
	got, err := resumed.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, got)
	// nothing of p2 is buffered any more
	assert.Equal(t, "p3", resumed.ContinuationToken())
	assert.Zero(t, resumed.Offset())
	assert.Equal(t, []int{5}, collect(t, resumed))
}

func TestPager_SkipPastPageEnd(t *testing.T) {
	f := fivePages()
	p := New(f.fetch, &Options{ContinuationToken: "p2", Skip: 5})
	assert.Equal(t, []int{5}, collect(t, p))
	assert.Equal(t, []string{"p2", "p3"}, f.calls)
}

func TestPager_OffsetAcrossRepeatedResumes(t *testing.T) {
	f := &staticFetcher{pages: map[string]Page[int]{
		"": {Items: []int{1, 2, 3, 4}},
	}}
	p := New(f.fetch, &Options{Skip: 1})
	got, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, 2, p.Offset())

	again := New(f.fetch, &Options{ContinuationToken: p.ContinuationToken(), Skip: p.Offset()})
	assert.Equal(t, []int{3, 4}, collect(t, again))
}

func TestPager_FetchErrorIsRetryable(t *testing.T) {
	boom := errors.New("boom")
	f := fivePages()
	f.fail = map[string]error{"p2": boom}
	p := New(f.fetch, nil)

	var got []int
	for {
		item, err := p.Next(context.Background())
		if errors.Is(err, resumable.ErrDone) {
			break
		}
		if errors.Is(err, boom) {
			continue
		}
		require.NoError(t, err)
		got = append(got, item)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
	assert.Equal(t, []string{"", "p2", "p2", "p3"}, f.calls)
}

func TestPager_AllStopsOnError(t *testing.T) {
	f := fivePages()
	f.fail = map[string]error{"p3": errors.New("boom")}
	p := New(f.fetch, nil)

	var items []int
	var errs []error
	for item, err := range p.All(context.Background()) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, item)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, items)
	assert.Len(t, errs, 1)
}

func TestPager_ContextCancelled(t *testing.T) {
	f := fivePages()
	p := New(f.fetch, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.calls)
}

func testTransport(client *http.Client) resumable.Transport {
	return resumable.TransportFunc(func(ctx context.Context, req *resumable.Request) (*resumable.Response, error) {
		hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(hreq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &resumable.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	})
}

type vault struct {
	Name string `json:"name"`
}

func TestLinkFetcher(t *testing.T) {
	var seenSize atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			seenSize.Store(r.URL.Query().Get("maxpagesize"))
			fmt.Fprint(w, `{"value":[{"name":"a"},{"name":"b"}],"nextLink":"/vaults?page=2"}`)
		case "2":
			fmt.Fprint(w, `{"value":[{"name":"c"}],"nextLink":null}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	fetch := NewLinkFetcher[vault](testTransport(srv.Client()), srv.URL+"/vaults", nil)
	p := New(fetch, &Options{PageSize: 2})

	var names []string
	for v, err := range p.All(context.Background()) {
		require.NoError(t, err)
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Equal(t, strconv.Itoa(2), seenSize.Load())
}

func TestLinkFetcher_CustomFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"items":[1,2],"next":"?cursor=x"}`)
			return
		}
		fmt.Fprint(w, `{"items":[3]}`)
	}))
	defer srv.Close()

	fetch := NewLinkFetcher[int](testTransport(srv.Client()), srv.URL+"/numbers",
		&LinkOptions{ItemsField: "items", NextField: "next"})
	assert.Equal(t, []int{1, 2, 3}, collect(t, New(fetch, nil)))
}

func TestLinkFetcher_InvalidContinuationToken(t *testing.T) {
	var calls atomic.Int32
	accepting := resumable.TransportFunc(func(ctx context.Context, req *resumable.Request) (*resumable.Response, error) {
		calls.Add(1)
		return &resumable.Response{StatusCode: http.StatusOK, Body: []byte(`{"value":[1],"nextLink":"?page=2"}`)}, nil
	})

	fetch := NewLinkFetcher[int](accepting, "https://list.example/numbers", nil)
	_, err := fetch(context.Background(), "http://bad host/%zz", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid continuation token")
	assert.Zero(t, calls.Load())

	p := New(fetch, &Options{ContinuationToken: "::not a url"})
	_, err = p.Next(context.Background())
	require.Error(t, err)
	assert.True(t, p.More())
}

func TestLinkFetcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":"AuthorizationFailed","message":"no"}}`)
	}))
	defer srv.Close()

	p := New(NewLinkFetcher[int](testTransport(srv.Client()), srv.URL, nil), nil)
	_, err := p.Next(context.Background())

	var listErr *ListError
	require.ErrorAs(t, err, &listErr)
	assert.Equal(t, http.StatusForbidden, listErr.StatusCode)
	require.NotNil(t, listErr.Fault)
	assert.Equal(t, "AuthorizationFailed", listErr.Fault.Code)
	assert.True(t, p.More())
}
