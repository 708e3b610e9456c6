// Package paging chains cursor-bounded page queries over a base query.
//
// The last page is open: it starts after the previous page's cursor and is limited to the
// page size. When another page is requested the current last page is sealed: its limit is
// replaced by an inclusive upper bound at its cursor. Sealed pages therefore partition server
// order, so records inserted concurrently land in exactly one page and are never skipped or
// repeated.
package paging

import "github.com/sandwichfarm/livefeed/internal/docstore"

// Page is one cursor-bounded slice of the base query
type Page struct {
	// After is the exclusive lower bound; nil for the first page
	After *docstore.Cursor
	// Through is the inclusive upper bound of a sealed page; nil while the page is open
	Through *docstore.Cursor

	Docs    []docstore.Document
	Fetched bool
}

// Sealed reports whether the page has been bounded by its successor
func (p *Page) Sealed() bool {
	return p.Through != nil
}

// Pager tracks the pages of one base query
type Pager struct {
	base     docstore.Query
	pageSize int

	pages    []*Page
	hasMore  bool
	inFlight bool
}

// New returns a pager positioned at the first page
func New(base docstore.Query, pageSize int) *Pager {
	if pageSize < 1 {
		pageSize = 1
	}
	p := &Pager{base: base, pageSize: pageSize}
	p.Reset()
	return p
}

// CurrentQuery builds the query for the page following cursor
func CurrentQuery(base docstore.Query, cursor *docstore.Cursor, pageSize int) docstore.Query {
	q := base.WithLimit(pageSize)
	if cursor != nil {
		q = q.StartAfter(cursor)
	}
	return q
}

// Reset drops every page but the first and clears the cursor
func (p *Pager) Reset() {
	p.pages = []*Page{{}}
	p.hasMore = true
	p.inFlight = true
}

// PageSize returns the configured page size
func (p *Pager) PageSize() int {
	return p.pageSize
}

// Len returns the number of pages
func (p *Pager) Len() int {
	return len(p.pages)
}

// Page returns page i
func (p *Pager) Page(i int) *Page {
	return p.pages[i]
}

// Query returns the store query for page i
func (p *Pager) Query(i int) docstore.Query {
	page := p.pages[i]
	if page.Sealed() {
		q := p.base.WithLimit(0).EndAt(page.Through)
		if page.After != nil {
			q = q.StartAfter(page.After)
		}
		return q
	}
	return CurrentQuery(p.base, page.After, p.pageSize)
}

// OnPageFetched records the records page i returned, as fetched and before any client-side filtering
func (p *Pager) OnPageFetched(i int, docs []docstore.Document) {
	if i < 0 || i >= len(p.pages) {
		return
	}
	page := p.pages[i]
	page.Docs = docs
	page.Fetched = true

	if i == len(p.pages)-1 {
		p.hasMore = len(docs) == p.pageSize
		p.inFlight = false
	}
}

// Cursor returns the last record of the last page, or that page's lower bound when it is empty
func (p *Pager) Cursor() *docstore.Cursor {
	last := p.pages[len(p.pages)-1]
	if n := len(last.Docs); n > 0 {
		c := last.Docs[n-1].Cursor()
		return &c
	}
	return last.After
}

// HasMore reports whether the last fetched page was full
func (p *Pager) HasMore() bool {
	return p.hasMore
}

// InFlight reports whether the last page has not delivered yet
func (p *Pager) InFlight() bool {
	return p.inFlight
}

// LoadMore seals the last page at its cursor and opens a successor.
// It returns the index of the sealed page, whose query changed, and of the new page.
// ok is false when a fetch is in flight or the last page was not full.
func (p *Pager) LoadMore() (sealed, opened int, ok bool) {
	if p.inFlight || !p.hasMore {
		return 0, 0, false
	}

	cursor := p.Cursor()
	if cursor == nil {
		return 0, 0, false
	}

	sealed = len(p.pages) - 1
	p.pages[sealed].Through = cursor
	p.pages = append(p.pages, &Page{After: cursor})
	p.inFlight = true

	return sealed, len(p.pages) - 1, true
}

// Docs returns the records of every page in server order, skipping ids already seen
func (p *Pager) Docs() []docstore.Document {
	var out []docstore.Document
	seen := make(map[string]bool)
	for _, page := range p.pages {
		for _, doc := range page.Docs {
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			out = append(out, doc)
		}
	}
	return out
}
