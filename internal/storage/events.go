package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/tanos/internal/nostr"
)

// ErrEventNotFound is returned for an unknown event id.
var ErrEventNotFound = errors.New("event not found")

// SaveEvent archives a revealed event. Call it only once the signature has
// been revealed: a stored event carries the full 64-byte signature.
func (s *Storage) SaveEvent(swapID string, ev *nostr.Event) error {
	if err := ev.Verify(); err != nil {
		return fmt.Errorf("refusing to store event: %w", err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO nostr_events (id, swap_id, pubkey, kind, created_at, raw)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, ev.ID, swapID, ev.PubKey, ev.Kind, ev.CreatedAt, string(raw))
	return err
}

// MarkEventPublished records when an event was accepted by a relay.
func (s *Storage) MarkEventPublished(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("UPDATE nostr_events SET published_at = ? WHERE id = ?", at.Unix(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

// GetEvent returns an archived event and when it was published (zero when
// it has not been).
func (s *Storage) GetEvent(id string) (*nostr.Event, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	var publishedAt sql.NullInt64
	err := s.db.QueryRow("SELECT raw, published_at FROM nostr_events WHERE id = ?", id).Scan(&raw, &publishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrEventNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	var ev nostr.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, time.Time{}, fmt.Errorf("corrupt event %s: %w", id, err)
	}
	return &ev, unixOrZero(publishedAt.Int64), nil
}

// UnpublishedEvents returns archived events no relay has accepted yet.
func (s *Storage) UnpublishedEvents() ([]*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT raw FROM nostr_events WHERE published_at IS NULL ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*nostr.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev nostr.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
