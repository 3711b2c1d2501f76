// Package sheet implements the daily-sheet domain: one markdown sheet
// per user per calendar day, resolved lazily, updated with live
// fan-out, and moved in bulk through the snapshot codec.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"juday/api/internal/codec"
	"juday/api/internal/store"
	"juday/api/internal/util"
)

// ErrInvalidDate marks a request whose calendar-day key is malformed
// or names an impossible date.
var ErrInvalidDate = errors.New("invalid date key")

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Store is the persistence surface the service needs.
type Store interface {
	GetSheetByDate(ctx context.Context, userID, date string) (store.Sheet, error)
	GetSheetByID(ctx context.Context, userID, sheetID string) (store.Sheet, error)
	InsertSheet(ctx context.Context, item store.Sheet) (store.Sheet, error)
	UpdateSheetBody(ctx context.Context, userID, sheetID, body string) (store.Sheet, error)
	ListSheetsBefore(ctx context.Context, userID, before string, limit int) ([]store.Sheet, error)
	ListSheets(ctx context.Context, userID string) ([]store.Sheet, error)
	SheetDates(ctx context.Context, userID string) (map[string]bool, error)
	InsertSheets(ctx context.Context, items []store.Sheet) error
}

// Publisher fans a saved sheet out to live subscribers.
type Publisher interface {
	PublishSheetUpdate(ctx context.Context, sheet store.Sheet) error
}

// Historian records each saved revision of a day's sheet.
type Historian interface {
	RecordRevision(ctx context.Context, userID, dateKey, body string) error
}

// Indexer keeps the search index in step with saved sheets.
type Indexer interface {
	IndexSheet(sheet store.Sheet)
}

// Archiver stores export snapshots off-box and lists the ones a user
// has accumulated.
type Archiver interface {
	SaveExport(ctx context.Context, userID, filename string, data []byte) error
	ListExports(ctx context.Context, userID string) ([]string, error)
}

// Service wires the sheet operations together. Publisher, Historian,
// Indexer and Archiver are optional; a nil collaborator disables that
// side effect.
type Service struct {
	store     Store
	publisher Publisher
	historian Historian
	indexer   Indexer
	archiver  Archiver
	now       func() time.Time
}

func NewService(st Store) *Service {
	return &Service{store: st, now: time.Now}
}

func (s *Service) WithPublisher(p Publisher) *Service { s.publisher = p; return s }
func (s *Service) WithHistorian(h Historian) *Service { s.historian = h; return s }
func (s *Service) WithIndexer(i Indexer) *Service     { s.indexer = i; return s }
func (s *Service) WithArchiver(a Archiver) *Service   { s.archiver = a; return s }

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service { s.now = now; return s }

func (s *Service) todayKey() string {
	return util.DateKey(s.now())
}

// Today resolves the sheet for the current day, creating it on first
// visit.
func (s *Service) Today(ctx context.Context, userID string) (*store.Sheet, error) {
	return s.Resolve(ctx, userID, s.todayKey())
}

// Resolve returns the sheet for the given day. The current day (and
// days ahead of it) are created empty on first access; past days are
// read-only and never created, so an unwritten past day resolves to
// nil with no error.
func (s *Service) Resolve(ctx context.Context, userID, dateKey string) (*store.Sheet, error) {
	if !codec.ValidDateKey(dateKey) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, dateKey)
	}

	item, err := s.store.GetSheetByDate(ctx, userID, dateKey)
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Date keys sort lexicographically, so a plain string compare
	// against today's key decides past versus present.
	if dateKey < s.todayKey() {
		return nil, nil
	}

	created, err := s.store.InsertSheet(ctx, store.Sheet{
		ID:        util.NewID("sht"),
		UserID:    userID,
		SheetDate: dateKey,
	})
	if errors.Is(err, store.ErrConflict) {
		// Another tab or request created the row first; its row wins
		// and this request adopts it.
		log.Printf("sheet: create %s/%s lost race, re-reading", userID, dateKey)
		existing, rerr := s.store.GetSheetByDate(ctx, userID, dateKey)
		if rerr != nil {
			return nil, fmt.Errorf("re-read after conflict: %w", rerr)
		}
		return &existing, nil
	}
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// Get loads a sheet by id, scoped to its owner.
func (s *Service) Get(ctx context.Context, userID, sheetID string) (store.Sheet, error) {
	return s.store.GetSheetByID(ctx, userID, sheetID)
}

// Update persists a new body and fans the saved row out: live
// subscribers, the revision history, and the search index all see it.
// Fan-out failures are logged, never surfaced; the write is the
// operation.
func (s *Service) Update(ctx context.Context, userID, sheetID, body string) (store.Sheet, error) {
	saved, err := s.store.UpdateSheetBody(ctx, userID, sheetID, body)
	if err != nil {
		return store.Sheet{}, err
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSheetUpdate(ctx, saved); err != nil {
			log.Printf("sheet: publish update %s: %v", saved.ID, err)
		}
	}
	if s.historian != nil {
		if err := s.historian.RecordRevision(ctx, userID, saved.SheetDate, saved.Body); err != nil {
			log.Printf("sheet: record revision %s/%s: %v", userID, saved.SheetDate, err)
		}
	}
	if s.indexer != nil {
		s.indexer.IndexSheet(saved)
	}
	return saved, nil
}

// Page returns sheets strictly older than the cursor, newest first,
// plus the heuristic for whether another page may exist.
func (s *Service) Page(ctx context.Context, userID, before string, limit int) ([]store.Sheet, bool, error) {
	if before == "" {
		before = s.todayKey()
	}
	if !codec.ValidDateKey(before) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidDate, before)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	items, err := s.store.ListSheetsBefore(ctx, userID, before, limit)
	if err != nil {
		return nil, false, err
	}
	return items, len(items) == limit, nil
}

// ExportResult is a rendered snapshot ready to download.
type ExportResult struct {
	Filename string
	Content  string
}

// Export renders every sheet the user has, oldest first, into one
// snapshot document. When an archiver is configured the snapshot is
// also stored off-box, best effort.
func (s *Service) Export(ctx context.Context, userID string) (ExportResult, error) {
	items, err := s.store.ListSheets(ctx, userID)
	if err != nil {
		return ExportResult{}, err
	}

	entries := make([]codec.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, codec.Entry{DateKey: item.SheetDate, Body: item.Body})
	}
	result := ExportResult{
		Filename: codec.Filename(s.now()),
		Content:  codec.Marshal(entries),
	}

	if s.archiver != nil {
		if err := s.archiver.SaveExport(ctx, userID, result.Filename, []byte(result.Content)); err != nil {
			log.Printf("sheet: archive export for %s: %v", userID, err)
		}
	}
	return result, nil
}

// Archives lists the export snapshots stored off-box for the user.
// Snapshot filenames are timestamped, so listing order is
// chronological. Without an archiver there is nothing to list.
func (s *Service) Archives(ctx context.Context, userID string) ([]string, error) {
	if s.archiver == nil {
		return []string{}, nil
	}
	names, err := s.archiver.ListExports(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list export archive: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// ImportResult counts what an import did.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Import parses a snapshot document and inserts its entries as new
// sheets. Blocks that are malformed, repeat a key, or land on a day
// that already has a sheet are skipped and counted; the remainder is
// written in a single all-or-nothing batch.
func (s *Service) Import(ctx context.Context, userID, doc string) (ImportResult, error) {
	entries, skipped := codec.Parse(doc)

	existing, err := s.store.SheetDates(ctx, userID)
	if err != nil {
		return ImportResult{}, err
	}

	items := make([]store.Sheet, 0, len(entries))
	for _, e := range entries {
		if existing[e.DateKey] {
			skipped++
			continue
		}
		items = append(items, store.Sheet{
			ID:        util.NewID("sht"),
			UserID:    userID,
			SheetDate: e.DateKey,
			Body:      e.Body,
		})
	}

	if err := s.store.InsertSheets(ctx, items); err != nil {
		return ImportResult{}, err
	}
	if s.indexer != nil {
		for _, item := range items {
			s.indexer.IndexSheet(item)
		}
	}
	return ImportResult{Imported: len(items), Skipped: skipped}, nil
}
