package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klingon-exchange/tanos/pkg/logging"
)

// Relay errors
var (
	ErrRelayClosed = errors.New("relay connection closed")
	ErrRejected    = errors.New("relay rejected event")
	ErrNotFound    = errors.New("event not found")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Filter is a NIP-01 subscription filter.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Until   int64    `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f *Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && ev.CreatedAt > f.Until {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type okResult struct {
	accepted bool
	reason   string
}

// Subscription receives the events matching a REQ. Events is closed when the
// subscription or the relay is closed.
type Subscription struct {
	ID     string
	Events chan *Event
	EOSE   chan struct{}

	relay    *Relay
	eoseOnce sync.Once
	closed   atomic.Bool
}

// Close sends CLOSE for the subscription.
func (s *Subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.relay.dropSub(s.ID)
	return s.relay.send([]interface{}{"CLOSE", s.ID})
}

// Relay is a client connection to one Nostr relay.
type Relay struct {
	url  string
	conn *websocket.Conn
	log  *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan okResult
	subs    map[string]*Subscription
	nextSub atomic.Int64

	done    chan struct{}
	closeMu sync.Once
	err     error
}

// Connect dials a relay.
func Connect(ctx context.Context, url string) (*Relay, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	r := &Relay{
		url:     url,
		conn:    conn,
		log:     logging.GetDefault().Component("nostr").With("relay", url),
		pending: make(map[string]chan okResult),
		subs:    make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
	go r.readLoop()

	r.log.Debug("Relay connected")
	return r, nil
}

// URL returns the relay URL.
func (r *Relay) URL() string {
	return r.url
}

// Close closes the connection and every open subscription.
func (r *Relay) Close() error {
	r.shutdown(ErrRelayClosed)
	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	r.writeMu.Unlock()
	return r.conn.Close()
}

// Publish sends an EVENT and waits for the relay's OK.
func (r *Relay) Publish(ctx context.Context, ev *Event) error {
	ch := make(chan okResult, 1)
	r.mu.Lock()
	r.pending[ev.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, ev.ID)
		r.mu.Unlock()
	}()

	if err := r.send([]interface{}{"EVENT", ev}); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if !res.accepted {
			return fmt.Errorf("%w: %s", ErrRejected, res.reason)
		}
		r.log.Info("Event published", "id", ev.ID, "kind", ev.Kind)
		return nil
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe sends a REQ for filters.
func (r *Relay) Subscribe(ctx context.Context, filters ...Filter) (*Subscription, error) {
	sub := &Subscription{
		ID:     "tanos-" + strconv.FormatInt(r.nextSub.Add(1), 10),
		Events: make(chan *Event, 64),
		EOSE:   make(chan struct{}),
		relay:  r,
	}

	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()

	msg := make([]interface{}, 0, len(filters)+2)
	msg = append(msg, "REQ", sub.ID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	if err := r.send(msg); err != nil {
		r.dropSub(sub.ID)
		return nil, err
	}
	return sub, nil
}

// FetchEvent returns the stored event with the given id. It returns
// ErrNotFound when the relay ends its stored events without a valid match.
func (r *Relay) FetchEvent(ctx context.Context, id string) (*Event, error) {
	sub, err := r.Subscribe(ctx, Filter{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	match := func(ev *Event) bool {
		if ev.ID != id {
			return false
		}
		if err := ev.Verify(); err != nil {
			r.log.Warn("Dropping invalid event", "id", ev.ID, "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return nil, ErrRelayClosed
			}
			if match(ev) {
				return ev, nil
			}
		case <-sub.EOSE:
			// Stored events are queued before EOSE is handled.
			for {
				select {
				case ev, ok := <-sub.Events:
					if ok && match(ev) {
						return ev, nil
					}
					if ok {
						continue
					}
				default:
				}
				return nil, ErrNotFound
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Relay) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-r.done:
		return r.err
	default:
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to relay: %w", err)
	}
	return nil
}

func (r *Relay) dropSub(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		close(sub.Events)
	}
}

func (r *Relay) shutdown(err error) {
	r.closeMu.Do(func() {
		r.err = err
		close(r.done)

		r.mu.Lock()
		subs := r.subs
		r.subs = make(map[string]*Subscription)
		r.mu.Unlock()
		for _, sub := range subs {
			close(sub.Events)
		}
	})
}

func (r *Relay) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Debug("Relay read error", "error", err)
			}
			r.shutdown(fmt.Errorf("%w: %v", ErrRelayClosed, err))
			return
		}
		if err := r.handle(data); err != nil {
			r.log.Debug("Ignoring relay message", "error", err)
		}
	}
}

func (r *Relay) handle(data []byte) error {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if len(msg) == 0 {
		return fmt.Errorf("empty message")
	}
	var label string
	if err := json.Unmarshal(msg[0], &label); err != nil {
		return err
	}

	switch label {
	case "EVENT":
		if len(msg) < 3 {
			return fmt.Errorf("short EVENT")
		}
		var subID string
		var ev Event
		if err := json.Unmarshal(msg[1], &subID); err != nil {
			return err
		}
		if err := json.Unmarshal(msg[2], &ev); err != nil {
			return err
		}
		r.mu.Lock()
		sub, ok := r.subs[subID]
		if ok {
			select {
			case sub.Events <- &ev:
			default:
				r.log.Warn("Subscription buffer full, dropping event", "sub", subID)
			}
		}
		r.mu.Unlock()

	case "OK":
		if len(msg) < 3 {
			return fmt.Errorf("short OK")
		}
		var id string
		var res okResult
		if err := json.Unmarshal(msg[1], &id); err != nil {
			return err
		}
		if err := json.Unmarshal(msg[2], &res.accepted); err != nil {
			return err
		}
		if len(msg) > 3 {
			_ = json.Unmarshal(msg[3], &res.reason)
		}
		r.mu.Lock()
		ch, ok := r.pending[id]
		r.mu.Unlock()
		if ok {
			select {
			case ch <- res:
			default:
			}
		}

	case "EOSE":
		var subID string
		if len(msg) < 2 || json.Unmarshal(msg[1], &subID) != nil {
			return fmt.Errorf("bad EOSE")
		}
		r.mu.Lock()
		sub, ok := r.subs[subID]
		r.mu.Unlock()
		if ok {
			sub.eoseOnce.Do(func() { close(sub.EOSE) })
		}

	case "CLOSED":
		var subID, reason string
		if len(msg) < 2 || json.Unmarshal(msg[1], &subID) != nil {
			return fmt.Errorf("bad CLOSED")
		}
		if len(msg) > 2 {
			_ = json.Unmarshal(msg[2], &reason)
		}
		r.log.Warn("Subscription closed by relay", "sub", subID, "reason", reason)
		r.dropSub(subID)

	case "NOTICE":
		var notice string
		if len(msg) > 1 {
			_ = json.Unmarshal(msg[1], &notice)
		}
		r.log.Info("Relay notice", "notice", notice)

	default:
		return fmt.Errorf("unknown message %q", label)
	}
	return nil
}
