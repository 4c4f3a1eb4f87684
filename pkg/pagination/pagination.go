package pagination

import (
	"fmt"
	"strconv"

	"skillswap-backend/pkg/constants"
)

// Params represents pagination query parameters
type Params struct {
	Page   int `json:"page"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Page is one page of results
type Page struct {
	Params
	HasMore bool        `json:"has_more"`
	Data    interface{} `json:"data"`
}

// Parse reads page and limit from query strings. Out of range values are
// clamped; non-numeric values are errors.
func Parse(pageStr, limitStr string) (*Params, error) {
	page := 1
	limit := constants.DefaultPageSize

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < 1:
			limit = 1
		case l > constants.MaxPageSize:
			limit = constants.MaxPageSize
		default:
			limit = l
		}
	}

	return &Params{
		Page:   page,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}, nil
}

// NewPage builds a page from up to Limit+1 fetched items. The extra item
// only signals that another page exists.
func NewPage[T any](params *Params, items []T) *Page {
	hasMore := len(items) > params.Limit
	if hasMore {
		items = items[:params.Limit]
	}
	return &Page{Params: *params, HasMore: hasMore, Data: items}
}
