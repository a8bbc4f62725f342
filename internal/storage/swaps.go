package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/tanos/internal/swap"
)

// Swap persistence errors
var (
	ErrSwapNotFound = errors.New("swap not found")
)

// Transition is one entry of a swap's state history.
type Transition struct {
	SwapID     string
	From       swap.State
	To         swap.State
	Failure    string
	RecordedAt time.Time
}

const swapColumns = `
	id, role, state, content, message_id, amount,
	local_key, counterparty_key, adaptor_point, nonce_point,
	output_script, funding_outpoint, claim_txid, failure_reason,
	deadline, created_at, updated_at`

// SaveSwap saves or updates a swap record and logs the transition when the
// state changed. It implements swap.Journal.
func (s *Storage) SaveSwap(rec *swap.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("swap record has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var prev sql.NullString
	err = tx.QueryRow("SELECT state FROM swap_sessions WHERE id = ?", rec.ID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	query := `
		INSERT INTO swap_sessions (` + swapColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			message_id = excluded.message_id,
			local_key = excluded.local_key,
			counterparty_key = excluded.counterparty_key,
			adaptor_point = excluded.adaptor_point,
			nonce_point = excluded.nonce_point,
			output_script = excluded.output_script,
			funding_outpoint = excluded.funding_outpoint,
			claim_txid = excluded.claim_txid,
			failure_reason = excluded.failure_reason,
			deadline = excluded.deadline,
			updated_at = excluded.updated_at
	`
	_, err = tx.Exec(query,
		rec.ID,
		string(rec.Role),
		string(rec.State),
		rec.Content,
		hex.EncodeToString(rec.MessageID),
		rec.Amount,
		hex.EncodeToString(rec.LocalKey),
		hex.EncodeToString(rec.CounterpartyKey),
		hex.EncodeToString(rec.AdaptorPoint),
		hex.EncodeToString(rec.NoncePoint),
		hex.EncodeToString(rec.OutputScript),
		rec.FundingOutPoint,
		rec.ClaimTxID,
		rec.Failure,
		timeToUnixOrZero(rec.Deadline),
		createdAt.Unix(),
		updatedAt.Unix(),
	)
	if err != nil {
		return err
	}

	if !prev.Valid || prev.String != string(rec.State) {
		_, err = tx.Exec(`
			INSERT INTO swap_transitions (swap_id, from_state, to_state, failure_reason, recorded_at)
			VALUES (?, ?, ?, ?, ?)
		`, rec.ID, prev.String, string(rec.State), rec.Failure, updatedAt.Unix())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetSwap retrieves a swap by id.
func (s *Storage) GetSwap(id string) (*swap.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+swapColumns+" FROM swap_sessions WHERE id = ?", id)
	rec, err := scanSwapRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	return rec, err
}

// GetPendingSwaps returns all swaps that are not in a terminal state, oldest
// first. These are the swaps to resume or expire after a restart.
func (s *Storage) GetPendingSwaps() ([]*swap.Record, error) {
	return s.querySwaps(`
		SELECT `+swapColumns+` FROM swap_sessions
		WHERE state NOT IN (?, ?, ?)
		ORDER BY created_at ASC
	`, string(swap.StateCompleted), string(swap.StateFailed), string(swap.StateExpired))
}

// ListSwaps returns swaps ordered by last update, newest first. limit <= 0
// means no limit.
func (s *Storage) ListSwaps(limit int, includeCompleted bool) ([]*swap.Record, error) {
	query := "SELECT " + swapColumns + " FROM swap_sessions"
	var args []interface{}
	if !includeCompleted {
		query += " WHERE state NOT IN (?, ?, ?)"
		args = append(args, string(swap.StateCompleted), string(swap.StateFailed), string(swap.StateExpired))
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.querySwaps(query, args...)
}

// DeleteSwap removes a swap and its history.
func (s *Storage) DeleteSwap(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM swap_transitions WHERE swap_id = ?", id); err != nil {
		return err
	}
	result, err := tx.Exec("DELETE FROM swap_sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSwapNotFound
	}
	return tx.Commit()
}

// SwapCount returns count of swaps by state.
func (s *Storage) SwapCount() (pending, finished int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM swap_sessions WHERE state NOT IN (?, ?, ?)",
		string(swap.StateCompleted), string(swap.StateFailed), string(swap.StateExpired),
	).Scan(&pending)
	if err != nil {
		return
	}
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM swap_sessions WHERE state IN (?, ?, ?)",
		string(swap.StateCompleted), string(swap.StateFailed), string(swap.StateExpired),
	).Scan(&finished)
	return
}

// Transitions returns the state history of a swap, oldest first.
func (s *Storage) Transitions(id string) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT swap_id, from_state, to_state, failure_reason, recorded_at
		FROM swap_transitions WHERE swap_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, failure sql.NullString
		var recordedAt int64
		if err := rows.Scan(&t.SwapID, &from, &t.To, &failure, &recordedAt); err != nil {
			return nil, err
		}
		t.From = swap.State(from.String)
		t.Failure = failure.String
		t.RecordedAt = time.Unix(recordedAt, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Storage) querySwaps(query string, args ...interface{}) ([]*swap.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*swap.Record
	for rows.Next() {
		rec, err := scanSwapRecord(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, rec)
	}
	return swaps, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSwapRecord(row scanner) (*swap.Record, error) {
	var rec swap.Record
	var messageID, localKey, counterpartyKey, adaptorPoint, noncePoint, outputScript sql.NullString
	var fundingOutPoint, claimTxID, failure sql.NullString
	var deadline, createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID,
		&rec.Role,
		&rec.State,
		&rec.Content,
		&messageID,
		&rec.Amount,
		&localKey,
		&counterpartyKey,
		&adaptorPoint,
		&noncePoint,
		&outputScript,
		&fundingOutPoint,
		&claimTxID,
		&failure,
		&deadline,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		src sql.NullString
		dst *[]byte
	}{
		{messageID, &rec.MessageID},
		{localKey, &rec.LocalKey},
		{counterpartyKey, &rec.CounterpartyKey},
		{adaptorPoint, &rec.AdaptorPoint},
		{noncePoint, &rec.NoncePoint},
		{outputScript, &rec.OutputScript},
	} {
		if f.src.String == "" {
			continue
		}
		b, err := hex.DecodeString(f.src.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt hex column in swap %s: %w", rec.ID, err)
		}
		*f.dst = b
	}

	rec.FundingOutPoint = fundingOutPoint.String
	rec.ClaimTxID = claimTxID.String
	rec.Failure = failure.String
	rec.Deadline = unixOrZero(deadline)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

var _ swap.Journal = (*Storage)(nil)
