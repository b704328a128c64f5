package query

// Paginate returns page (1-based) of items split into pages of size, and the
// total number of pages. Out-of-range pages are empty; a non-positive size
// yields a single page.
func Paginate[T any](items []T, page, size int) ([]T, int) {
	if size <= 0 {
		size = len(items)
	}
	if len(items) == 0 {
		return nil, 0
	}
	pages := (len(items) + size - 1) / size
	if page < 1 || page > pages {
		return nil, pages
	}
	start := (page - 1) * size
	end := min(start+size, len(items))
	return items[start:end], pages
}
