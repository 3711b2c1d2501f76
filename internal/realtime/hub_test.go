package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"juday/api/internal/store"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewHubWithClient(client)
}

func TestPublishReachesSubscriber(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	sub, err := hub.SubscribeSheet(ctx, "sht_1")
	if err != nil {
		t.Fatalf("SubscribeSheet() error = %v", err)
	}
	defer sub.Close()

	sheet := store.Sheet{ID: "sht_1", UserID: "usr_1", SheetDate: "2024-01-02", Body: "hello"}
	if err := hub.PublishSheetUpdate(ctx, sheet); err != nil {
		t.Fatalf("PublishSheetUpdate() error = %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Sheet.ID != "sht_1" || ev.Sheet.Body != "hello" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriptionIsScopedToSheet(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	sub, err := hub.SubscribeSheet(ctx, "sht_a")
	if err != nil {
		t.Fatalf("SubscribeSheet() error = %v", err)
	}
	defer sub.Close()

	if err := hub.PublishSheetUpdate(ctx, store.Sheet{ID: "sht_b", Body: "other"}); err != nil {
		t.Fatalf("PublishSheetUpdate() error = %v", err)
	}
	if err := hub.PublishSheetUpdate(ctx, store.Sheet{ID: "sht_a", Body: "mine"}); err != nil {
		t.Fatalf("PublishSheetUpdate() error = %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Sheet.ID != "sht_a" {
			t.Errorf("received event for wrong sheet: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCloseEndsEventStream(t *testing.T) {
	hub := newTestHub(t)

	sub, err := hub.SubscribeSheet(context.Background(), "sht_1")
	if err != nil {
		t.Fatalf("SubscribeSheet() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed event channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
