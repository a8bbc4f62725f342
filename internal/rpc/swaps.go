package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/klingon-exchange/tanos/internal/storage"
	"github.com/klingon-exchange/tanos/internal/swap"
)

// SwapInfo is the JSON view of a swap record. Binary fields are hex. Active
// is set for sessions still running in this process.
type SwapInfo struct {
	ID              string `json:"id"`
	Role            string `json:"role"`
	State           string `json:"state"`
	Content         string `json:"content"`
	Amount          int64  `json:"amount"`
	MessageID       string `json:"message_id,omitempty"`
	LocalKey        string `json:"local_key,omitempty"`
	CounterpartyKey string `json:"counterparty_key,omitempty"`
	AdaptorPoint    string `json:"adaptor_point,omitempty"`
	NoncePoint      string `json:"nonce_point,omitempty"`
	OutputScript    string `json:"output_script,omitempty"`
	FundingOutPoint string `json:"funding_outpoint,omitempty"`
	ClaimTxID       string `json:"claim_txid,omitempty"`
	Failure         string `json:"failure,omitempty"`
	Deadline        int64  `json:"deadline,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
	Active          bool   `json:"active"`
}

func recordToInfo(rec *swap.Record, active bool) *SwapInfo {
	info := &SwapInfo{
		ID:              rec.ID,
		Role:            string(rec.Role),
		State:           string(rec.State),
		Content:         rec.Content,
		Amount:          rec.Amount,
		MessageID:       hex.EncodeToString(rec.MessageID),
		LocalKey:        hex.EncodeToString(rec.LocalKey),
		CounterpartyKey: hex.EncodeToString(rec.CounterpartyKey),
		AdaptorPoint:    hex.EncodeToString(rec.AdaptorPoint),
		NoncePoint:      hex.EncodeToString(rec.NoncePoint),
		OutputScript:    hex.EncodeToString(rec.OutputScript),
		FundingOutPoint: rec.FundingOutPoint,
		ClaimTxID:       rec.ClaimTxID,
		Failure:         rec.Failure,
		Deadline:        unixOrZero(rec.Deadline),
		CreatedAt:       unixOrZero(rec.CreatedAt),
		UpdatedAt:       unixOrZero(rec.UpdatedAt),
		Active:          active,
	}
	return info
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// SwapUpdate is the payload of swap_update WebSocket events.
type SwapUpdate struct {
	Event string    `json:"event"`
	Swap  *SwapInfo `json:"swap"`
}

func swapUpdate(ev swap.SwapEvent) *SwapUpdate {
	return &SwapUpdate{Event: ev.EventType, Swap: recordToInfo(ev.Record, !ev.State.IsTerminal())}
}

// SwapIDParams identifies one swap.
type SwapIDParams struct {
	ID string `json:"id"`
}

func (p *SwapIDParams) decode(params json.RawMessage) error {
	if err := decodeParams(params, p); err != nil {
		return err
	}
	if p.ID == "" {
		return invalidParams("id is required")
	}
	return nil
}

// SwapListParams is the request for swap_list.
type SwapListParams struct {
	Limit            int  `json:"limit,omitempty"`
	IncludeCompleted bool `json:"include_completed,omitempty"`
}

// SwapListResult is the response for swap_list.
type SwapListResult struct {
	Swaps []*SwapInfo `json:"swaps"`
	Count int         `json:"count"`
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit < 0 {
		return nil, invalidParams("limit must not be negative")
	}
	if p.Limit == 0 {
		p.Limit = 100
	}

	live := s.liveRecords()

	var swaps []*SwapInfo
	if s.store != nil {
		records, err := s.store.ListSwaps(p.Limit, p.IncludeCompleted)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if cur, ok := live[rec.ID]; ok {
				rec = cur
			}
			_, running := live[rec.ID]
			swaps = append(swaps, recordToInfo(rec, running && !rec.State.IsTerminal()))
		}
	} else {
		for _, rec := range live {
			if !p.IncludeCompleted && rec.State.IsTerminal() {
				continue
			}
			swaps = append(swaps, recordToInfo(rec, !rec.State.IsTerminal()))
		}
	}
	if swaps == nil {
		swaps = []*SwapInfo{}
	}
	return &SwapListResult{Swaps: swaps, Count: len(swaps)}, nil
}

func (s *Server) liveRecords() map[string]*swap.Record {
	live := make(map[string]*swap.Record)
	if s.coordinator == nil {
		return live
	}
	for _, sess := range s.coordinator.List() {
		live[sess.ID()] = sess.Record()
	}
	return live
}

func (s *Server) swapStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := p.decode(params); err != nil {
		return nil, err
	}
	return s.lookupSwap(p.ID)
}

func (s *Server) lookupSwap(id string) (*SwapInfo, error) {
	if s.coordinator != nil {
		if sess, err := s.coordinator.Get(id); err == nil {
			rec := sess.Record()
			return recordToInfo(rec, !rec.State.IsTerminal()), nil
		}
	}
	if s.store == nil {
		return nil, swap.ErrSwapNotFound
	}
	rec, err := s.store.GetSwap(id)
	if err != nil {
		return nil, err
	}
	return recordToInfo(rec, false), nil
}

// TransitionInfo is one entry of swap_history.
type TransitionInfo struct {
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
	Failure    string `json:"failure,omitempty"`
	RecordedAt int64  `json:"recorded_at"`
}

func (s *Server) swapHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := p.decode(params); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, ErrNotConfigured
	}
	history, err := s.store.Transitions(p.ID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, storage.ErrSwapNotFound
	}

	out := make([]TransitionInfo, 0, len(history))
	for _, t := range history {
		out = append(out, TransitionInfo{
			From:       string(t.From),
			To:         string(t.To),
			Failure:    t.Failure,
			RecordedAt: t.RecordedAt.Unix(),
		})
	}
	return out, nil
}

func (s *Server) swapCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := p.decode(params); err != nil {
		return nil, err
	}
	if s.coordinator == nil {
		return nil, ErrNotConfigured
	}
	if err := s.coordinator.Cancel(p.ID); err != nil {
		if errors.Is(err, swap.ErrSwapNotFound) {
			return nil, invalidParams("no active swap %s", p.ID)
		}
		return nil, err
	}
	return s.lookupSwap(p.ID)
}

// SwapCheckTimeoutsResult is the response for swap_checkTimeouts.
type SwapCheckTimeoutsResult struct {
	Expired []string `json:"expired"`
}

func (s *Server) swapCheckTimeouts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.coordinator == nil {
		return nil, ErrNotConfigured
	}
	expired := s.coordinator.CheckTimeouts(time.Now())
	if expired == nil {
		expired = []string{}
	}
	return &SwapCheckTimeoutsResult{Expired: expired}, nil
}
