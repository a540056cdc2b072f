package server

import (
	"fmt"
	"net/http"
	"net/url"
)

const (
	pageOffsetParam = "page[offset]"
	pageLimitParam  = "page[limit]"

	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// pageParams reads JSON:API pagination parameters, clamping the limit.
func pageParams(r *http.Request) (offset, limit int, err error) {
	q := r.URL.Query()
	offset, err = positiveInt(q.Get(pageOffsetParam), 0)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid %s: %w", pageOffsetParam, err)
	}
	limit, err = positiveInt(q.Get(pageLimitParam), defaultPageLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid %s: %w", pageLimitParam, err)
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return offset, limit, nil
}

func positiveInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil || v < 0 {
		return 0, fmt.Errorf("must be a non-negative integer, got %q", raw)
	}
	return v, nil
}

// pageLinks is the JSON:API links object. Pointers render as null when
// a link is inapplicable.
type pageLinks struct {
	Self  string  `json:"self"`
	First *string `json:"first"`
	Last  *string `json:"last"`
	Next  *string `json:"next"`
	Prev  *string `json:"prev"`
}

// buildLinks renders pagination links against the request URL. count is
// the filtered total; limit 0 disables paging links.
func buildLinks(u *url.URL, offset, limit int, count int64) pageLinks {
	links := pageLinks{Self: pageURL(u, offset, limit)}
	if limit <= 0 {
		return links
	}

	first := pageURL(u, 0, limit)
	links.First = &first

	lastOffset := 0
	if count > 0 {
		lastOffset = int((count - 1) / int64(limit) * int64(limit))
	}
	last := pageURL(u, lastOffset, limit)
	links.Last = &last

	if int64(offset+limit) < count {
		next := pageURL(u, offset+limit, limit)
		links.Next = &next
	}
	if offset > 0 {
		prevOffset := offset - limit
		if prevOffset < 0 {
			prevOffset = 0
		}
		prev := pageURL(u, prevOffset, limit)
		links.Prev = &prev
	}
	return links
}

func pageURL(u *url.URL, offset, limit int) string {
	copied := *u
	q := copied.Query()
	q.Set(pageOffsetParam, fmt.Sprintf("%d", offset))
	q.Set(pageLimitParam, fmt.Sprintf("%d", limit))
	copied.RawQuery = q.Encode()
	return copied.String()
}
