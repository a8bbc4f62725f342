package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/tanos/internal/nostr"
	"github.com/klingon-exchange/tanos/internal/storage"
	"github.com/klingon-exchange/tanos/internal/swap"
	"github.com/klingon-exchange/tanos/pkg/logging"
)

// expireStale marks journaled swaps whose deadline passed while the node was
// down as expired. Session secrets live only in memory, so such swaps cannot
// be resumed.
func expireStale(store *storage.Storage, now time.Time) (int, error) {
	log := logging.GetDefault().Component("journal")

	pending, err := store.GetPendingSwaps()
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, rec := range pending {
		if rec.Deadline.IsZero() || now.Before(rec.Deadline) {
			log.Warn("Swap from previous run cannot be resumed", "swap", rec.ID, "role", rec.Role, "state", rec.State)
			continue
		}
		rec.Failure = fmt.Sprintf("%v: deadline passed while offline", swap.ErrExpired)
		rec.State = swap.StateExpired
		rec.UpdatedAt = now
		if err := store.SaveSwap(rec); err != nil {
			return expired, err
		}
		log.Info("Swap expired", "swap", rec.ID, "role", rec.Role, "deadline", rec.Deadline.Format(time.RFC3339))
		expired++
	}
	return expired, nil
}

// eventPublisher is satisfied by nostr.Pool.
type eventPublisher interface {
	Publish(ctx context.Context, ev *nostr.Event) (int, error)
}

// republish sends archived events that no relay has accepted yet.
func republish(ctx context.Context, store *storage.Storage, pub eventPublisher) (int, error) {
	events, err := store.UnpublishedEvents()
	if err != nil {
		return 0, err
	}

	var errs []error
	sent := 0
	for _, ev := range events {
		if _, err := pub.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
			continue
		}
		if err := store.MarkEventPublished(ev.ID, time.Now()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, errors.Join(errs...)
}
