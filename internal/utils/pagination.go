// Package utils holds small helpers shared by the HTTP and chat adapters.
package utils

import "strconv"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is pagination metadata for list responses.
type Page struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ClampPage parses raw page and page_size values and bounds them to
// page >= 1 and 1 <= size <= MaxPageSize.
func ClampPage(rawPage, rawSize string) (page, size int) {
	page = AtoiDefault(rawPage, 1)
	if page < 1 {
		page = 1
	}
	size = AtoiDefault(rawSize, DefaultPageSize)
	if size < 1 {
		size = 1
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// NewPage computes page metadata for total items.
func NewPage(page, size int, total int64) Page {
	if size < 1 {
		size = 1
	}
	pages := int((total + int64(size) - 1) / int64(size))
	return Page{
		Page:       page,
		PageSize:   size,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
	}
}
