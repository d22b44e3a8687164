package storage

// Page is a fixed-size byte buffer passed between the pager and the node
// codec. A Page handed out by the pager is always a private copy; callers
// may scribble on it freely and hand it back through WritePage.
type Page struct {
	Buf []byte
}

// NewPage returns a zeroed page of exactly PageSize bytes.
func NewPage() *Page {
	return &Page{Buf: make([]byte, PageSize)}
}

// Reset zeroes the page in place so it can be reused for a new node image.
func (p *Page) Reset() {
	clear(p.Buf)
}
