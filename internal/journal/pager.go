package journal

import (
	"context"
	"sync"

	"juday/api/internal/store"
)

// DefaultPageSize matches the history view's batch size.
const DefaultPageSize = 10

// SheetLister fetches one page of sheets strictly older than the
// cursor key, newest first.
type SheetLister interface {
	ListBefore(ctx context.Context, beforeKey string, limit int) ([]store.Sheet, error)
}

// Pager accumulates past sheets page by page for the history view.
// Pages are keyed off the oldest loaded sheet date, so newly created
// sheets never shift the window. At most one load runs at a time;
// concurrent calls to LoadMore are no-ops while a load is in flight.
type Pager struct {
	lister   SheetLister
	pageSize int

	mu       sync.Mutex
	cursor   string
	records  []store.Sheet
	seen     map[string]bool
	hasMore  bool
	inFlight bool
}

// NewPager starts paging backwards from startKey (exclusive), normally
// today's date key.
func NewPager(lister SheetLister, startKey string, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pager{
		lister:   lister,
		pageSize: pageSize,
		cursor:   startKey,
		seen:     map[string]bool{},
		hasMore:  true,
	}
}

// Records returns the sheets loaded so far, newest first.
func (p *Pager) Records() []store.Sheet {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.Sheet, len(p.records))
	copy(out, p.records)
	return out
}

// HasMore reports whether another page may exist. It is a heuristic:
// a page shorter than the page size means the history is exhausted,
// a full page means there may be more.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Loading reports whether a page load is in flight.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// LoadMore fetches the next page and appends it to the accumulated
// records. It returns the page's sheets, or nil when the history is
// exhausted or a load is already running.
func (p *Pager) LoadMore(ctx context.Context) ([]store.Sheet, error) {
	p.mu.Lock()
	if p.inFlight || !p.hasMore {
		p.mu.Unlock()
		return nil, nil
	}
	p.inFlight = true
	cursor := p.cursor
	p.mu.Unlock()

	page, err := p.lister.ListBefore(ctx, cursor, p.pageSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if err != nil {
		return nil, err
	}

	p.hasMore = len(page) == p.pageSize
	for _, sheet := range page {
		if p.seen[sheet.ID] {
			continue
		}
		p.seen[sheet.ID] = true
		p.records = append(p.records, sheet)
	}
	if len(page) > 0 {
		p.cursor = page[len(page)-1].SheetDate
	}
	return page, nil
}

// Reset clears the accumulated records and starts over from startKey.
// Used when the signed-in user changes.
func (p *Pager) Reset(startKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = startKey
	p.records = nil
	p.seen = map[string]bool{}
	p.hasMore = true
}
