package pagination

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const MaxLimit = 500

// Params holds pagination parameters extracted from a request. A zero Limit
// means the caller asked for the whole collection.
type Params struct {
	Limit  int
	Offset int
}

// Paged reports whether the caller asked for a page rather than the whole
// collection.
func (p Params) Paged() bool {
	return p.Limit > 0
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 0 {
		limit = 0
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Page is the envelope returned for paged list requests.
type Page struct {
	Count   int         `json:"count"`
	HasMore bool        `json:"has_more"`
	Results interface{} `json:"results"`
}

// Window slices items to the requested page.
func Window[T any](items []T, p Params) []T {
	if !p.Paged() {
		return items
	}
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// Respond writes items as a bare array, or as a Page envelope when the
// request carried a limit.
func Respond[T any](c echo.Context, status int, items []T) error {
	if items == nil {
		items = []T{}
	}
	p := FromContext(c)
	if !p.Paged() {
		return c.JSON(status, items)
	}
	return c.JSON(status, &Page{
		Count:   len(items),
		HasMore: p.Offset+p.Limit < len(items),
		Results: Window(items, p),
	})
}

// DecodeList decodes a list response that is either a bare JSON array or an
// object carrying the array under "results".
func DecodeList[T any](body []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []T{}, nil
	}

	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return items, nil
	}

	var env struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode list envelope: %w", err)
	}
	if env.Results == nil {
		return []T{}, nil
	}
	return env.Results, nil
}
