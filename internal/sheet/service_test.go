package sheet

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"juday/api/internal/store"
)

// fakeStore keeps sheets in memory and enforces the (user, date)
// uniqueness the real table has.
type fakeStore struct {
	mu        sync.Mutex
	sheets    map[string]store.Sheet // by id
	insertErr error
	raceOnce  bool // next InsertSheet reports a conflict after inserting a rival row
}

func newFakeStore() *fakeStore {
	return &fakeStore{sheets: map[string]store.Sheet{}}
}

func (f *fakeStore) GetSheetByDate(_ context.Context, userID, date string) (store.Sheet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sheets {
		if s.UserID == userID && s.SheetDate == date {
			return s, nil
		}
	}
	return store.Sheet{}, store.ErrNotFound
}

func (f *fakeStore) GetSheetByID(_ context.Context, userID, sheetID string) (store.Sheet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sheets[sheetID]
	if !ok || s.UserID != userID {
		return store.Sheet{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) InsertSheet(_ context.Context, item store.Sheet) (store.Sheet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return store.Sheet{}, f.insertErr
	}
	if f.raceOnce {
		f.raceOnce = false
		rival := item
		rival.ID = "sht_rival"
		f.sheets[rival.ID] = rival
		return store.Sheet{}, store.ErrConflict
	}
	for _, s := range f.sheets {
		if s.UserID == item.UserID && s.SheetDate == item.SheetDate {
			return store.Sheet{}, store.ErrConflict
		}
	}
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.sheets[item.ID] = item
	return item, nil
}

func (f *fakeStore) UpdateSheetBody(_ context.Context, userID, sheetID, body string) (store.Sheet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sheets[sheetID]
	if !ok || s.UserID != userID {
		return store.Sheet{}, store.ErrNotFound
	}
	s.Body = body
	s.UpdatedAt = time.Now()
	f.sheets[sheetID] = s
	return s, nil
}

func (f *fakeStore) ListSheetsBefore(_ context.Context, userID, before string, limit int) ([]store.Sheet, error) {
	all, _ := f.ListSheets(context.Background(), userID)
	var out []store.Sheet
	for i := len(all) - 1; i >= 0; i-- { // newest first
		if all[i].SheetDate < before {
			out = append(out, all[i])
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListSheets(_ context.Context, userID string) ([]store.Sheet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Sheet
	for _, s := range f.sheets {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	for i := 0; i < len(out); i++ { // ascending by date
		for j := i + 1; j < len(out); j++ {
			if out[j].SheetDate < out[i].SheetDate {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (f *fakeStore) SheetDates(_ context.Context, userID string) (map[string]bool, error) {
	all, _ := f.ListSheets(context.Background(), userID)
	dates := map[string]bool{}
	for _, s := range all {
		dates[s.SheetDate] = true
	}
	return dates, nil
}

func (f *fakeStore) InsertSheets(ctx context.Context, items []store.Sheet) error {
	for _, item := range items {
		if _, err := f.InsertSheet(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []store.Sheet
}

func (f *fakePublisher) PublishSheetUpdate(_ context.Context, sheet store.Sheet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, sheet)
	return nil
}

type fakeHistorian struct {
	mu        sync.Mutex
	revisions []string // "date:body"
	err       error
}

func (f *fakeHistorian) RecordRevision(_ context.Context, _, dateKey, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.revisions = append(f.revisions, dateKey+":"+body)
	return nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
}

func (f *fakeIndexer) IndexSheet(sheet store.Sheet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, sheet.ID)
}


type fakeArchiver struct {
	saved map[string][]byte
	err   error
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{saved: map[string][]byte{}}
}

func (f *fakeArchiver) SaveExport(_ context.Context, userID, filename string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.saved[userID+"/"+filename] = data
	return nil
}

func (f *fakeArchiver) ListExports(_ context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var names []string
	for key := range f.saved {
		if strings.HasPrefix(key, userID+"/") {
			names = append(names, strings.TrimPrefix(key, userID+"/"))
		}
	}
	sort.Strings(names)
	return names, nil
}

func fixedClock(key string) func() time.Time {
	t, err := time.Parse("2006-01-02", key)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func TestTodayCreatesOnFirstVisit(t *testing.T) {
	fs := newFakeStore()
	svc := NewService(fs).WithClock(fixedClock("2024-06-15"))

	got, err := svc.Today(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("Today() error = %v", err)
	}
	if got == nil || got.SheetDate != "2024-06-15" || got.Body != "" {
		t.Fatalf("Today() = %+v", got)
	}

	again, err := svc.Today(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("second Today() error = %v", err)
	}
	if again.ID != got.ID {
		t.Errorf("second visit created a new sheet: %s != %s", again.ID, got.ID)
	}
}

func TestResolveCreationRaceAdoptsWinner(t *testing.T) {
	fs := newFakeStore()
	fs.raceOnce = true
	svc := NewService(fs).WithClock(fixedClock("2024-06-15"))

	got, err := svc.Resolve(context.Background(), "usr_1", "2024-06-15")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got == nil || got.ID != "sht_rival" {
		t.Errorf("expected the rival row to win, got %+v", got)
	}
}

func TestResolvePastDayIsNeverCreated(t *testing.T) {
	fs := newFakeStore()
	svc := NewService(fs).WithClock(fixedClock("2024-06-15"))

	got, err := svc.Resolve(context.Background(), "usr_1", "2024-01-01")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != nil {
		t.Errorf("Resolve() = %+v, want nil for unwritten past day", got)
	}
	if len(fs.sheets) != 0 {
		t.Errorf("store has %d sheets, want 0", len(fs.sheets))
	}
}

func TestResolvePastDayWithSheet(t *testing.T) {
	fs := newFakeStore()
	fs.sheets["sht_old"] = store.Sheet{ID: "sht_old", UserID: "usr_1", SheetDate: "2024-01-01", Body: "old"}
	svc := NewService(fs).WithClock(fixedClock("2024-06-15"))

	got, err := svc.Resolve(context.Background(), "usr_1", "2024-01-01")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got == nil || got.Body != "old" {
		t.Errorf("Resolve() = %+v", got)
	}
}

func TestResolveRejectsMalformedKey(t *testing.T) {
	svc := NewService(newFakeStore()).WithClock(fixedClock("2024-06-15"))

	for _, key := range []string{"2024-13-45", "junk", "2024-6-15", ""} {
		if _, err := svc.Resolve(context.Background(), "usr_1", key); !errors.Is(err, ErrInvalidDate) {
			t.Errorf("Resolve(%q) error = %v, want ErrInvalidDate", key, err)
		}
	}
}

func TestUpdateFansOut(t *testing.T) {
	fs := newFakeStore()
	fs.sheets["sht_1"] = store.Sheet{ID: "sht_1", UserID: "usr_1", SheetDate: "2024-06-15"}
	pub := &fakePublisher{}
	hist := &fakeHistorian{}
	idx := &fakeIndexer{}
	svc := NewService(fs).WithPublisher(pub).WithHistorian(hist).WithIndexer(idx)

	saved, err := svc.Update(context.Background(), "usr_1", "sht_1", "new body")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if saved.Body != "new body" {
		t.Errorf("saved.Body = %q", saved.Body)
	}
	if len(pub.published) != 1 || pub.published[0].Body != "new body" {
		t.Errorf("published = %+v", pub.published)
	}
	if len(hist.revisions) != 1 || hist.revisions[0] != "2024-06-15:new body" {
		t.Errorf("revisions = %v", hist.revisions)
	}
	if len(idx.indexed) != 1 {
		t.Errorf("indexed = %v", idx.indexed)
	}
}

func TestUpdateSurvivesHistorianFailure(t *testing.T) {
	fs := newFakeStore()
	fs.sheets["sht_1"] = store.Sheet{ID: "sht_1", UserID: "usr_1", SheetDate: "2024-06-15"}
	svc := NewService(fs).WithHistorian(&fakeHistorian{err: errors.New("disk full")})

	if _, err := svc.Update(context.Background(), "usr_1", "sht_1", "body"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestUpdateWrongOwner(t *testing.T) {
	fs := newFakeStore()
	fs.sheets["sht_1"] = store.Sheet{ID: "sht_1", UserID: "usr_1", SheetDate: "2024-06-15"}
	svc := NewService(fs)

	if _, err := svc.Update(context.Background(), "usr_2", "sht_1", "body"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestPageDefaultsAndHasMore(t *testing.T) {
	fs := newFakeStore()
	for _, d := range []string{"2024-06-14", "2024-06-13", "2024-06-12"} {
		fs.sheets["sht_"+d] = store.Sheet{ID: "sht_" + d, UserID: "usr_1", SheetDate: d}
	}
	svc := NewService(fs).WithClock(fixedClock("2024-06-15"))

	items, hasMore, err := svc.Page(context.Background(), "usr_1", "", 2)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if len(items) != 2 || items[0].SheetDate != "2024-06-14" || items[1].SheetDate != "2024-06-13" {
		t.Fatalf("items = %+v", items)
	}
	if !hasMore {
		t.Error("expected hasMore for a full page")
	}

	items, hasMore, err = svc.Page(context.Background(), "usr_1", "2024-06-13", 2)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if len(items) != 1 || items[0].SheetDate != "2024-06-12" {
		t.Fatalf("items = %+v", items)
	}
	if hasMore {
		t.Error("expected no more after a short page")
	}
}

func TestPageRejectsBadCursor(t *testing.T) {
	svc := NewService(newFakeStore())
	if _, _, err := svc.Page(context.Background(), "usr_1", "not-a-date", 10); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("Page() error = %v, want ErrInvalidDate", err)
	}
}

func TestExportIsAscendingSnapshot(t *testing.T) {
	fs := newFakeStore()
	fs.sheets["b"] = store.Sheet{ID: "b", UserID: "usr_1", SheetDate: "2024-01-02", Body: "World"}
	fs.sheets["a"] = store.Sheet{ID: "a", UserID: "usr_1", SheetDate: "2024-01-01", Body: "Hello"}
	svc := NewService(fs).WithClock(func() time.Time {
		return time.Date(2024, 3, 15, 9, 5, 0, 0, time.UTC)
	})

	result, err := svc.Export(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	want := "---2024-01-01\n\nHello\n\n\n---2024-01-02\n\nWorld"
	if result.Content != want {
		t.Errorf("Content = %q, want %q", result.Content, want)
	}
	if result.Filename != "juday-data-20240315-0905.md" {
		t.Errorf("Filename = %q", result.Filename)
	}
}

func TestExportStoresAndListsArchiveSnapshots(t *testing.T) {
	fs := newFakeStore()
	fs.sheets["a"] = store.Sheet{ID: "a", UserID: "usr_1", SheetDate: "2024-01-01", Body: "Hello"}
	arch := newFakeArchiver()
	svc := NewService(fs).WithArchiver(arch).WithClock(func() time.Time {
		return time.Date(2024, 3, 15, 9, 5, 0, 0, time.UTC)
	})

	result, err := svc.Export(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if got := arch.saved["usr_1/"+result.Filename]; string(got) != result.Content {
		t.Errorf("archived snapshot = %q, want %q", got, result.Content)
	}

	names, err := svc.Archives(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("Archives() error = %v", err)
	}
	if len(names) != 1 || names[0] != result.Filename {
		t.Errorf("Archives() = %v, want [%s]", names, result.Filename)
	}

	// Another user sees nothing.
	names, err = svc.Archives(context.Background(), "usr_2")
	if err != nil {
		t.Fatalf("Archives() error = %v", err)
	}
	if len(names) != 0 {
		t.Errorf("Archives() for stranger = %v, want empty", names)
	}
}

func TestArchivesWithoutArchiver(t *testing.T) {
	svc := NewService(newFakeStore())

	names, err := svc.Archives(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("Archives() error = %v", err)
	}
	if names == nil || len(names) != 0 {
		t.Errorf("Archives() = %v, want empty non-nil", names)
	}
}

func TestImportSkipsExistingAndInvalid(t *testing.T) {
	fs := newFakeStore()
	fs.sheets["sht_keep"] = store.Sheet{ID: "sht_keep", UserID: "usr_1", SheetDate: "2024-01-01", Body: "original"}
	svc := NewService(fs)

	doc := strings.Join([]string{
		"---2024-01-01\n\nshould be skipped, day exists",
		"---2024-01-02\n\nimported",
		"---2024-13-45\n\nbad key",
		"---2024-01-03\n\nalso imported",
	}, "\n\n\n")

	result, err := svc.Import(context.Background(), "usr_1", doc)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.Imported != 2 || result.Skipped != 2 {
		t.Errorf("result = %+v, want imported 2 skipped 2", result)
	}

	existing, _ := fs.GetSheetByDate(context.Background(), "usr_1", "2024-01-01")
	if existing.Body != "original" {
		t.Errorf("existing sheet overwritten: %q", existing.Body)
	}
	added, err := fs.GetSheetByDate(context.Background(), "usr_1", "2024-01-03")
	if err != nil {
		t.Fatalf("expected imported sheet: %v", err)
	}
	if added.Body != "also imported" {
		t.Errorf("imported body = %q", added.Body)
	}
}

func TestImportBatchIsAllOrNothing(t *testing.T) {
	fs := newFakeStore()
	svc := NewService(fs)

	// Force the batch insert to fail partway.
	fs.insertErr = errors.New("db down")
	if _, err := svc.Import(context.Background(), "usr_1", "---2024-01-01\n\nA\n\n\n---2024-01-02\n\nB"); err == nil {
		t.Fatal("expected batch failure to surface")
	}
}

func TestImportEmptyDocument(t *testing.T) {
	svc := NewService(newFakeStore())
	result, err := svc.Import(context.Background(), "usr_1", "")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.Imported != 0 || result.Skipped != 0 {
		t.Errorf("result = %+v", result)
	}
}
