package shared

const (
	// DefaultLimit applies when a listing omits the limit.
	DefaultLimit = 10
	// MaxLimit caps any listing page.
	MaxLimit = 50
)

// Page selects a window of an ordered listing.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// NewPage clamps limit and offset to sane bounds.
func NewPage(limit, offset int) Page {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}

// Window reports whether position i (zero based) falls inside the page and
// whether iteration can stop.
func (p Page) Window(i int) (inside bool, done bool) {
	if i < p.Offset {
		return false, false
	}
	if i >= p.Offset+p.Limit {
		return false, true
	}
	return true, false
}
