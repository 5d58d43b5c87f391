package shared

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	PrevPage   int  `json:"prev_page,omitempty"`
	NextPage   int  `json:"next_page,omitempty"`
}

// NewPagination computes pagination metadata.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	p := Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
	p.HasNext = page < totalPages
	if page > 1 {
		p.PrevPage = page - 1
	}
	if p.HasNext {
		p.NextPage = page + 1
	}
	return p
}

// ParsePageParams reads page and limit from a query string. Limit is clamped to maxLimit.
func ParsePageParams(values url.Values, defaultLimit, maxLimit int) (int, int, error) {
	page := 1
	if v := strings.TrimSpace(values.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			verr := ErrValidation("invalid page")
			verr.Fields = map[string]string{"page": "must be a positive integer"}
			return 0, 0, verr
		}
		page = parsed
	}
	limit := defaultLimit
	if v := strings.TrimSpace(values.Get("limit")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			verr := ErrValidation("invalid limit")
			verr.Fields = map[string]string{"limit": "must be a positive integer"}
			return 0, 0, verr
		}
		limit = parsed
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit, nil
}
