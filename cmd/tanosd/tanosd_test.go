package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/tanos/internal/nostr"
	"github.com/klingon-exchange/tanos/internal/storage"
	"github.com/klingon-exchange/tanos/internal/swap"
	"github.com/klingon-exchange/tanos/internal/wallet"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// memRelay accepts every valid event and answers id queries.
type memRelay struct {
	mu     sync.Mutex
	events map[string]*nostr.Event
}

func startMemRelay(t *testing.T) (*memRelay, string) {
	t.Helper()
	r := &memRelay{events: make(map[string]*nostr.Event)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg []json.RawMessage
			if json.Unmarshal(data, &msg) != nil || len(msg) < 2 {
				continue
			}
			var label string
			_ = json.Unmarshal(msg[0], &label)

			switch label {
			case "EVENT":
				var ev nostr.Event
				_ = json.Unmarshal(msg[1], &ev)
				err := ev.Verify()
				if err == nil {
					r.mu.Lock()
					r.events[ev.ID] = &ev
					r.mu.Unlock()
				}
				_ = conn.WriteJSON([]interface{}{"OK", ev.ID, err == nil, ""})
			case "REQ":
				var subID string
				_ = json.Unmarshal(msg[1], &subID)
				r.mu.Lock()
				for _, raw := range msg[2:] {
					var f nostr.Filter
					_ = json.Unmarshal(raw, &f)
					for _, ev := range r.events {
						if f.Matches(ev) {
							_ = conn.WriteJSON([]interface{}{"EVENT", subID, ev})
						}
					}
				}
				r.mu.Unlock()
				_ = conn.WriteJSON([]interface{}{"EOSE", subID})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (r *memRelay) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.events[id]
	return ok
}

func openStore(t *testing.T, dir string) *storage.Storage {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunSimulation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const amount = 50000
	res, err := runSimulation(ctx, &SimulationConfig{
		Dir:     dir,
		Content: "gm from the simulation",
		Amount:  amount,
		FeeRate: 3,
	})
	if err != nil {
		t.Fatalf("runSimulation() error = %v", err)
	}

	if err := res.Event.Verify(); err != nil {
		t.Fatalf("revealed event does not verify: %v", err)
	}
	if res.Event.Content != "gm from the simulation" || !res.Event.HasTag("t", "tanos") {
		t.Errorf("unexpected event %+v", res.Event)
	}
	if res.ClaimTxID == "" || res.FundingOutPoint == "" {
		t.Errorf("missing txids: %+v", res)
	}
	if want := amount - wallet.ClaimFee(3); res.ClaimValue != want {
		t.Errorf("ClaimValue = %d, want %d", res.ClaimValue, want)
	}
	if res.Published != 0 {
		t.Errorf("Published = %d without relays", res.Published)
	}

	for _, name := range []string{"seller", "buyer"} {
		store := openStore(t, filepath.Join(dir, name))

		rec, err := store.GetSwap(res.SwapID)
		if err != nil {
			t.Fatalf("%s GetSwap() error = %v", name, err)
		}
		if rec.State != swap.StateCompleted {
			t.Errorf("%s state = %s, want completed", name, rec.State)
		}
		if len(rec.AdaptorPoint) != 33 {
			t.Errorf("%s adaptor point not journaled", name)
		}

		ev, _, err := store.GetEvent(res.EventID)
		if err != nil {
			t.Fatalf("%s GetEvent() error = %v", name, err)
		}
		if ev.Sig != res.Event.Sig {
			t.Errorf("%s archived a different signature", name)
		}

		index, err := store.NextSessionIndex()
		if err != nil {
			t.Fatal(err)
		}
		if index != 1 {
			t.Errorf("%s session index = %d, want 1", name, index)
		}
	}

	buyer := openStore(t, filepath.Join(dir, "buyer"))
	rec, _ := buyer.GetSwap(res.SwapID)
	if rec.ClaimTxID != res.ClaimTxID {
		t.Errorf("buyer journal claim = %s, want %s", rec.ClaimTxID, res.ClaimTxID)
	}
	history, err := buyer.Transitions(res.SwapID)
	if err != nil {
		t.Fatal(err)
	}
	var states []swap.State
	for _, tr := range history {
		states = append(states, tr.To)
	}
	want := []swap.State{swap.StateInit, swap.StateCommitted, swap.StateLocked, swap.StatePreSigned, swap.StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("buyer transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestRunSimulationThroughRelay(t *testing.T) {
	relay, url := startMemRelay(t)
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := runSimulation(ctx, &SimulationConfig{
		Dir:     dir,
		Content: "published reveal",
		Amount:  40000,
		Relays:  []string{url},
	})
	if err != nil {
		t.Fatalf("runSimulation() error = %v", err)
	}
	if res.Published != 1 {
		t.Errorf("Published = %d, want 1", res.Published)
	}
	if !relay.has(res.EventID) {
		t.Error("relay never received the event")
	}

	seller := openStore(t, filepath.Join(dir, "seller"))
	_, publishedAt, err := seller.GetEvent(res.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if publishedAt.IsZero() {
		t.Error("event not marked published")
	}
}

func TestRunSimulationRejectsBadAmount(t *testing.T) {
	_, err := runSimulation(context.Background(), &SimulationConfig{Dir: t.TempDir(), Amount: 0})
	if err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestExpireStale(t *testing.T) {
	store := openStore(t, t.TempDir())
	now := time.Now()

	records := []*swap.Record{
		{ID: "overdue", Role: swap.RoleSeller, State: swap.StateCommitted, Content: "a", Amount: 1000, Deadline: now.Add(-time.Minute)},
		{ID: "running", Role: swap.RoleBuyer, State: swap.StateLocked, Content: "b", Amount: 1000, Deadline: now.Add(time.Hour)},
		{ID: "done", Role: swap.RoleBuyer, State: swap.StateCompleted, Content: "c", Amount: 1000, Deadline: now.Add(-time.Hour)},
	}
	for _, rec := range records {
		if err := store.SaveSwap(rec); err != nil {
			t.Fatal(err)
		}
	}

	n, err := expireStale(store, now)
	if err != nil {
		t.Fatalf("expireStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d swaps, want 1", n)
	}

	rec, _ := store.GetSwap("overdue")
	if rec.State != swap.StateExpired || !strings.Contains(rec.Failure, "offline") {
		t.Errorf("overdue = %s (%s)", rec.State, rec.Failure)
	}
	rec, _ = store.GetSwap("running")
	if rec.State != swap.StateLocked {
		t.Errorf("running = %s, want locked", rec.State)
	}

	if n, _ := expireStale(store, now); n != 0 {
		t.Errorf("second pass expired %d", n)
	}
}

type stubPublisher struct {
	err   error
	calls int
}

func (p *stubPublisher) Publish(ctx context.Context, ev *nostr.Event) (int, error) {
	p.calls++
	if p.err != nil {
		return 0, p.err
	}
	return 1, nil
}

func TestRepublish(t *testing.T) {
	store := openStore(t, t.TempDir())

	signer := nostr.NewSigner(nil, nostr.WithTags(eventTags))
	m, err := signer.Sign(secp.NewScalar(7), "archived")
	if err != nil {
		t.Fatal(err)
	}
	ev := signer.Event(m)
	if err := store.SaveEvent("swap-1", ev); err != nil {
		t.Fatal(err)
	}

	failing := &stubPublisher{err: errors.New("relays down")}
	n, err := republish(context.Background(), store, failing)
	if err == nil || n != 0 {
		t.Fatalf("republish() = %d, %v; want failure", n, err)
	}
	if pending, _ := store.UnpublishedEvents(); len(pending) != 1 {
		t.Fatalf("unpublished = %d, want 1", len(pending))
	}

	ok := &stubPublisher{}
	n, err = republish(context.Background(), store, ok)
	if err != nil || n != 1 {
		t.Fatalf("republish() = %d, %v", n, err)
	}
	if pending, _ := store.UnpublishedEvents(); len(pending) != 0 {
		t.Errorf("unpublished = %d after publishing", len(pending))
	}

	n, _ = republish(context.Background(), store, ok)
	if n != 0 || ok.calls != 1 {
		t.Errorf("published again: n=%d calls=%d", n, ok.calls)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" wss://a.example , ,ws://b.example:7777,")
	if len(got) != 2 || got[0] != "wss://a.example" || got[1] != "ws://b.example:7777" {
		t.Errorf("splitList() = %v", got)
	}
}

func TestCheckEventTags(t *testing.T) {
	tagged := &nostr.Event{Tags: [][]string{{"p", "ab"}, {"t", "tanos"}}}
	if err := checkEventTags(tagged); err != nil {
		t.Errorf("checkEventTags(tagged) error = %v", err)
	}

	for _, ev := range []*nostr.Event{
		{},
		{Tags: [][]string{{"t"}}},
		{Tags: [][]string{{"t", "other"}}},
	} {
		if err := checkEventTags(ev); !errors.Is(err, errMissingEventTag) {
			t.Errorf("checkEventTags(%v) error = %v, want errMissingEventTag", ev.Tags, err)
		}
	}
}
