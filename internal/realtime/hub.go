package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"juday/api/internal/store"
)

const channelPrefix = "sheet_updates:"

// SheetEvent is the payload published whenever a sheet's body changes.
// Subscribers receive the full new row state and decide locally whether
// to apply it.
type SheetEvent struct {
	Sheet store.Sheet `json:"sheet"`
}

// Hub fans sheet updates out across API instances via Redis pub/sub.
// Each sheet has its own channel so subscribers only see traffic for
// the record they are editing.
type Hub struct {
	client *redis.Client
}

func NewHub(redisURL string) (*Hub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Hub{client: redis.NewClient(opts)}, nil
}

// NewHubWithClient wraps an existing client, mainly for tests.
func NewHubWithClient(client *redis.Client) *Hub {
	return &Hub{client: client}
}

func channelFor(sheetID string) string {
	return channelPrefix + sheetID
}

// PublishSheetUpdate broadcasts the new row state to everyone watching
// the sheet.
func (h *Hub) PublishSheetUpdate(ctx context.Context, sheet store.Sheet) error {
	payload, err := json.Marshal(SheetEvent{Sheet: sheet})
	if err != nil {
		return fmt.Errorf("marshal sheet event: %w", err)
	}
	if err := h.client.Publish(ctx, channelFor(sheet.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish sheet event: %w", err)
	}
	return nil
}

// Subscription delivers events for a single sheet until closed.
type Subscription struct {
	events chan SheetEvent
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// Events yields updates in arrival order. The channel is closed when
// the subscription ends.
func (s *Subscription) Events() <-chan SheetEvent {
	return s.events
}

func (s *Subscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// SubscribeSheet starts listening for updates to one sheet. The
// subscription ends when Close is called or ctx is cancelled.
func (h *Hub) SubscribeSheet(ctx context.Context, sheetID string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := h.client.Subscribe(ctx, channelFor(sheetID))

	// Wait for the subscription to be established before returning so
	// callers never miss an update published right after subscribing.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("subscribe sheet channel: %w", err)
	}

	sub := &Subscription{
		events: make(chan SheetEvent, 8),
		pubsub: pubsub,
		cancel: cancel,
	}

	go func() {
		defer close(sub.events)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev SheetEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("realtime: drop malformed event on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case sub.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (h *Hub) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

func (h *Hub) Close() error {
	return h.client.Close()
}
