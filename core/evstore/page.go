package evstore

// Page restricts a ranged read. Offset skips the first entries, Limit caps
// the number returned; a zero Limit means unbounded.
type Page struct {
	Offset uint64
	Limit  uint64
}

type PageOption func(*Page)

func WithOffset(offset uint64) PageOption { return func(p *Page) { p.Offset = offset } }
func WithLimit(limit uint64) PageOption   { return func(p *Page) { p.Limit = limit } }

func NewPage(opts ...PageOption) Page {
	var p Page
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func (p Page) Bounded() bool { return p.Limit > 0 }

// Paginate returns a fresh slice holding items[offset:offset+limit],
// clipped to the length of items.
func Paginate[T any](items []T, p Page) []T {
	n := uint64(len(items))
	if p.Offset >= n {
		return make([]T, 0)
	}
	end := n
	if p.Bounded() && p.Limit < n-p.Offset {
		end = p.Offset + p.Limit
	}
	out := make([]T, end-p.Offset)
	copy(out, items[p.Offset:end])
	return out
}
