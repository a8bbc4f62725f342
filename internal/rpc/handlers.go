package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/klingon-exchange/tanos/internal/nostr"
	"github.com/klingon-exchange/tanos/internal/storage"
)

// ErrNotConfigured is returned by methods whose component is not wired.
var ErrNotConfigured = errors.New("component not configured")

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version       string `json:"version"`
	Network       string `json:"network"`
	StartedAt     int64  `json:"started_at"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WSClients     int    `json:"ws_clients"`
	ActiveSwaps   int    `json:"active_swaps"`
	PendingSwaps  int    `json:"pending_swaps"`
	FinishedSwaps int    `json:"finished_swaps"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := &NodeInfoResult{
		Version:       s.version,
		Network:       string(s.network),
		StartedAt:     s.started.Unix(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		WSClients:     s.wsHub.ClientCount(),
	}
	if s.coordinator != nil {
		result.ActiveSwaps = len(s.coordinator.List())
	}
	if s.store != nil {
		pending, finished, err := s.store.SwapCount()
		if err != nil {
			return nil, err
		}
		result.PendingSwaps = pending
		result.FinishedSwaps = finished
	}
	return result, nil
}

// EventGetParams is the request for event_get.
type EventGetParams struct {
	ID string `json:"id"`
}

// EventResult is the response for event_get.
type EventResult struct {
	Event       *nostr.Event `json:"event"`
	Source      string       `json:"source"` // "journal" or "relay"
	PublishedAt int64        `json:"published_at,omitempty"`
}

func (s *Server) eventGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EventGetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.ID) != 64 {
		return nil, invalidParams("event id must be 32 bytes of hex")
	}

	if s.store != nil {
		ev, publishedAt, err := s.store.GetEvent(p.ID)
		switch {
		case err == nil:
			res := &EventResult{Event: ev, Source: "journal"}
			if !publishedAt.IsZero() {
				res.PublishedAt = publishedAt.Unix()
			}
			return res, nil
		case !errors.Is(err, storage.ErrEventNotFound):
			return nil, err
		}
	}

	if s.events == nil {
		return nil, storage.ErrEventNotFound
	}
	ev, err := s.events.FetchEvent(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &EventResult{Event: ev, Source: "relay"}, nil
}

// EventVerifyParams is the request for event_verify.
type EventVerifyParams struct {
	Event *nostr.Event `json:"event"`
}

// EventVerifyResult is the response for event_verify.
type EventVerifyResult struct {
	Valid bool   `json:"valid"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) eventVerify(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EventVerifyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Event == nil {
		return nil, invalidParams("event is required")
	}
	if err := p.Event.Verify(); err != nil {
		return &EventVerifyResult{Valid: false, ID: p.Event.ID, Error: err.Error()}, nil
	}
	return &EventVerifyResult{Valid: true, ID: p.Event.ID}, nil
}
