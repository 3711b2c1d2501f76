package journal

import (
	"context"
	"log"
	"sync"
	"time"

	"juday/api/internal/store"
)

// DefaultDebounce is how long typing must pause before an edit is
// persisted.
const DefaultDebounce = time.Second

// SheetSaver persists a sheet's body.
type SheetSaver interface {
	SaveBody(ctx context.Context, sheetID, body string) (store.Sheet, error)
}

// Subscription delivers new row states for a sheet until closed.
type Subscription interface {
	Events() <-chan store.Sheet
	Close() error
}

// Feed produces live update subscriptions for sheets.
type Feed interface {
	Subscribe(ctx context.Context, sheetID string) (Subscription, error)
}

// Reconciler keeps one open sheet in sync with the server. Local edits
// are persisted after a trailing-edge debounce: each edit replaces the
// pending save, so a burst of keystrokes results in a single write.
// Remote updates arriving over the feed overwrite local state whenever
// the body differs; last write wins.
type Reconciler struct {
	saver    SheetSaver
	feed     Feed
	debounce time.Duration
	sched    scheduler

	mu       sync.Mutex
	ctx      context.Context
	sheet    store.Sheet
	dirty    bool
	sub      Subscription
	closed   bool
	onChange func(store.Sheet)
	onError  func(error)
}

func NewReconciler(saver SheetSaver, feed Feed) *Reconciler {
	return &Reconciler{
		saver:    saver,
		feed:     feed,
		debounce: DefaultDebounce,
	}
}

// OnChange sets the observer notified when a remote update replaces
// the local body. Must be set before Open.
func (r *Reconciler) OnChange(fn func(store.Sheet)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// OnError sets the observer notified when a background save fails.
func (r *Reconciler) OnError(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// Open starts reconciling the given sheet. Any previously open sheet
// is released first; its pending save is discarded, not flushed.
func (r *Reconciler) Open(ctx context.Context, sheet store.Sheet) error {
	r.release()

	sub, err := r.feed.Subscribe(ctx, sheet.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ctx = ctx
	r.sheet = sheet
	r.dirty = false
	r.sub = sub
	r.closed = false
	r.mu.Unlock()

	go r.consume(sheet.ID, sub)
	return nil
}

func (r *Reconciler) consume(sheetID string, sub Subscription) {
	for remote := range sub.Events() {
		r.mu.Lock()
		// A stale goroutine from a previous Open must not touch state.
		if r.sub != sub || r.sheet.ID != sheetID {
			r.mu.Unlock()
			return
		}
		if remote.Body == r.sheet.Body {
			r.mu.Unlock()
			continue
		}
		r.sheet = remote
		r.dirty = false
		notify := r.onChange
		r.mu.Unlock()

		// The remote state replaced the local edit, so a pending save
		// would persist data the writer already superseded.
		r.sched.Cancel()
		if notify != nil {
			notify(remote)
		}
	}
}

// Body returns the current local body.
func (r *Reconciler) Body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sheet.Body
}

// Sheet returns the current local row state.
func (r *Reconciler) Sheet() store.Sheet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sheet
}

// SetBody records a local edit and arms the debounced save.
func (r *Reconciler) SetBody(body string) {
	r.mu.Lock()
	if r.closed || r.sheet.ID == "" {
		r.mu.Unlock()
		return
	}
	r.sheet.Body = body
	r.dirty = true
	r.mu.Unlock()

	r.sched.Schedule(r.debounce, r.save)
}

// Flush persists the current body immediately, cancelling the pending
// debounced save.
func (r *Reconciler) Flush() {
	r.sched.Cancel()
	r.save()
}

func (r *Reconciler) save() {
	r.mu.Lock()
	if r.closed || !r.dirty {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	sheetID := r.sheet.ID
	body := r.sheet.Body
	r.mu.Unlock()

	saved, err := r.saver.SaveBody(ctx, sheetID, body)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.sheet.ID != sheetID {
		return
	}
	if err != nil {
		// Leave dirty so the next edit or Flush retries.
		if r.onError != nil {
			go r.onError(err)
		} else {
			log.Printf("journal: save sheet %s: %v", sheetID, err)
		}
		return
	}
	// Only mark clean if no edit landed while the save was in flight.
	if r.sheet.Body == body {
		r.sheet = saved
		r.dirty = false
	}
}

// Close releases the open sheet. A pending save is discarded: closing
// mid-debounce drops the unsaved edit, matching the editor's
// navigate-away behavior. Call Flush first to keep it.
func (r *Reconciler) Close() {
	r.release()
}

func (r *Reconciler) release() {
	r.sched.Cancel()

	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.closed = true
	r.dirty = false
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}
