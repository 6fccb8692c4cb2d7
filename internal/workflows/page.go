package workflows

// Page is a paginated list response.
type Page[T any] struct {
	Data     []T  `json:"data"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasMore  bool `json:"hasMore"`
}

// NewPage wraps one page of items. limit must be positive.
func NewPage[T any](items []T, total, limit, offset int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	return &Page[T]{
		Data:     items,
		Total:    total,
		Page:     offset/limit + 1,
		PageSize: limit,
		HasMore:  total > offset+limit,
	}
}

// ClampPage applies the default page size and bounds to limit and offset.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
