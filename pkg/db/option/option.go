package option

import (
	"fmt"
	"strings"
	"time"

	"github.com/creditrail/creditrail/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type paginationOption struct {
	page pagination.Pagination
}

// Apply fetches one extra row so callers can detect a next page.
func (o paginationOption) Apply(db *gorm.DB) *gorm.DB {
	size := o.page.PageSize
	if size <= 0 {
		size = 10
	}
	db = db.Limit(size + 1)

	if o.page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(o.page.PageToken)
		if err == nil && cursor != nil && cursor.CreatedAt != "" {
			// Bound as time.Time so the driver formats both sides of
			// the comparison the same way.
			if ts, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt); err == nil {
				db = db.Where("created_at < ?", ts)
			}
		}
	}
	return db
}

func ApplyPagination(page pagination.Pagination) QueryOption {
	return paginationOption{page: page}
}

type QuerySortBy struct {
	Field string
	Order string
	Allow map[string]bool
}

func WithQuerySortBy(field, order string, allow map[string]bool) QuerySortBy {
	return QuerySortBy{Field: field, Order: order, Allow: allow}
}

type sortOption struct {
	sort QuerySortBy
}

func (o sortOption) Apply(db *gorm.DB) *gorm.DB {
	field := o.sort.Field
	if field == "" {
		field = "created_at"
	}
	if o.sort.Allow != nil && !o.sort.Allow[field] {
		return db
	}
	order := strings.ToLower(o.sort.Order)
	if order != "asc" {
		order = "desc"
	}
	return db.Order(fmt.Sprintf("%s %s", field, order))
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return sortOption{sort: sort}
}
