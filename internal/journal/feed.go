package journal

import (
	"context"

	"juday/api/internal/realtime"
	"juday/api/internal/store"
)

// HubFeed adapts the realtime hub to the Feed interface.
type HubFeed struct {
	Hub *realtime.Hub
}

func (f HubFeed) Subscribe(ctx context.Context, sheetID string) (Subscription, error) {
	sub, err := f.Hub.SubscribeSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}

	events := make(chan store.Sheet, 8)
	go func() {
		defer close(events)
		for ev := range sub.Events() {
			events <- ev.Sheet
		}
	}()
	return &hubSubscription{events: events, sub: sub}, nil
}

type hubSubscription struct {
	events chan store.Sheet
	sub    *realtime.Subscription
}

func (s *hubSubscription) Events() <-chan store.Sheet { return s.events }
func (s *hubSubscription) Close() error               { return s.sub.Close() }
