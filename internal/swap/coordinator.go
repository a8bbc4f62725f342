package swap

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/taproot"
	"github.com/klingon-exchange/tanos/pkg/logging"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// Coordinator errors
var (
	ErrSwapNotFound = errors.New("swap not found")
	ErrSwapExists   = errors.New("swap already exists")
	ErrWrongRole    = errors.New("swap has a different role")
)

// Event types emitted by the Coordinator.
const (
	EventRegistered   = "registered"
	EventStateChanged = "state_changed"
	EventExpired      = "expired"
)

// SwapEvent represents an event that occurred during a swap.
type SwapEvent struct {
	SwapID    string
	EventType string
	State     State
	Record    *Record
	Timestamp time.Time
}

// EventHandler is called when swap events occur.
type EventHandler func(event SwapEvent)

// Journal persists session records. Implementations must not block for long;
// they are called on every transition.
type Journal interface {
	SaveSwap(rec *Record) error
}

// CoordinatorConfig holds the collaborators shared by all sessions.
type CoordinatorConfig struct {
	Journal  Journal
	Engine   *adaptor.Engine
	Signer   MessageSigner
	Builder  TxBuilder
	Timeouts Timeouts
	MinConf  uint32
	Outputs  *taproot.Cache // shared by every session; nil creates one
	Now      func() time.Time
}

// Coordinator is the registry of active sessions. It journals every
// transition, fans out events and enforces phase deadlines.
type Coordinator struct {
	mu sync.RWMutex

	cfg       CoordinatorConfig
	sessions  map[string]Session
	journaled map[string]State // last state the journal accepted

	eventHandlers []EventHandler

	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a new swap coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	if cfg == nil {
		cfg = &CoordinatorConfig{}
	}
	c := &Coordinator{
		cfg:      *cfg,
		sessions:  make(map[string]Session),
		journaled: make(map[string]State),
		log:      logging.GetDefault().Component("swap"),
	}
	if c.cfg.Engine == nil {
		c.cfg.Engine = adaptor.New()
	}
	if c.cfg.Outputs == nil {
		c.cfg.Outputs = taproot.NewCache()
	}
	if c.cfg.Now == nil {
		c.cfg.Now = time.Now
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// NewSwapID returns a fresh random swap id.
func NewSwapID() string {
	return uuid.NewString()
}

func (c *Coordinator) sessionConfig(id, content string, amount int64, key *secp.Scalar) SessionConfig {
	return SessionConfig{
		SwapID:   id,
		Content:  content,
		Amount:   amount,
		Key:      key,
		Engine:   c.cfg.Engine,
		Timeouts: c.cfg.Timeouts,
		MinConf:  c.cfg.MinConf,
		Outputs:  c.cfg.Outputs,
		Now:      c.cfg.Now,
	}
}

// NewSeller creates and registers a seller session.
func (c *Coordinator) NewSeller(id, content string, amount int64, key *secp.Scalar) (*SellerSession, error) {
	s, err := NewSellerSession(c.sessionConfig(id, content, amount, key), c.cfg.Signer)
	if err != nil {
		return nil, err
	}
	if err := c.Register(s); err != nil {
		return nil, err
	}
	return s, nil
}

// NewBuyer creates and registers a buyer session.
func (c *Coordinator) NewBuyer(id, content string, amount int64, key *secp.Scalar) (*BuyerSession, error) {
	b, err := NewBuyerSession(c.sessionConfig(id, content, amount, key), c.cfg.Signer, c.cfg.Builder)
	if err != nil {
		return nil, err
	}
	if err := c.Register(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Register adds a session to the registry and journals its initial record.
func (c *Coordinator) Register(s Session) error {
	c.mu.RLock()
	_, exists := c.sessions[s.ID()]
	c.mu.RUnlock()
	if exists {
		return ErrSwapExists
	}

	// Session methods are never called with c.mu held: sessions call back
	// into the coordinator while holding their own lock.
	s.setObserver(c.observe)
	rec := s.Record()

	c.mu.Lock()
	if _, exists := c.sessions[s.ID()]; exists {
		c.mu.Unlock()
		s.setObserver(nil)
		return ErrSwapExists
	}
	c.sessions[s.ID()] = s
	c.mu.Unlock()

	c.persist(rec)
	c.emitEvent(EventRegistered, rec)
	c.log.Info("Swap registered", "swap", rec.ID, "role", rec.Role)
	return nil
}

// observe is the transition hook installed on every session.
func (c *Coordinator) observe(rec *Record) {
	c.persist(rec)
	c.emitEvent(EventStateChanged, rec)
}

func (c *Coordinator) persist(rec *Record) {
	if c.cfg.Journal == nil {
		return
	}
	if err := c.cfg.Journal.SaveSwap(rec); err != nil {
		c.log.Error("Failed to journal swap", "swap", rec.ID, "state", rec.State, "error", err)
		return
	}
	c.mu.Lock()
	c.journaled[rec.ID] = rec.State
	c.mu.Unlock()
}

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// emitEvent delivers an event to all handlers asynchronously.
func (c *Coordinator) emitEvent(eventType string, rec *Record) {
	event := SwapEvent{
		SwapID:    rec.ID,
		EventType: eventType,
		State:     rec.State,
		Record:    rec,
		Timestamp: c.cfg.Now(),
	}

	c.mu.RLock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Get returns a session by id.
func (c *Coordinator) Get(id string) (Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[id]
	if !ok {
		return nil, ErrSwapNotFound
	}
	return s, nil
}

// Seller returns a seller session by id.
func (c *Coordinator) Seller(id string) (*SellerSession, error) {
	s, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	seller, ok := s.(*SellerSession)
	if !ok {
		return nil, ErrWrongRole
	}
	return seller, nil
}

// Buyer returns a buyer session by id.
func (c *Coordinator) Buyer(id string) (*BuyerSession, error) {
	s, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	buyer, ok := s.(*BuyerSession)
	if !ok {
		return nil, ErrWrongRole
	}
	return buyer, nil
}

// List returns all sessions ordered by id.
func (c *Coordinator) List() []Session {
	c.mu.RLock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CheckTimeouts expires every non-terminal session whose phase deadline is
// before now and returns their ids.
func (c *Coordinator) CheckTimeouts(now time.Time) []string {
	var expired []string
	for _, s := range c.List() {
		if s.Expire(now) {
			expired = append(expired, s.ID())
			c.emitEvent(EventExpired, s.Record())
			c.log.Warn("Swap expired", "swap", s.ID())
		}
	}
	return expired
}

// Cancel abandons a swap before any broadcast and drops its key material.
func (c *Coordinator) Cancel(id string) error {
	s, err := c.Get(id)
	if err != nil {
		return err
	}
	return s.Cancel()
}

// Remove drops a terminal session from the registry.
func (c *Coordinator) Remove(id string) error {
	s, err := c.Get(id)
	if err != nil {
		return err
	}
	if !s.State().IsTerminal() {
		return ErrInvalidState
	}

	c.mu.Lock()
	delete(c.sessions, id)
	delete(c.journaled, id)
	c.mu.Unlock()
	return nil
}

// Prune removes terminal sessions whose final record the journal has
// accepted and returns their ids. Without a journal nothing is pruned.
func (c *Coordinator) Prune() []string {
	if c.cfg.Journal == nil {
		return nil
	}
	var pruned []string
	for _, s := range c.List() {
		state := s.State()
		if !state.IsTerminal() {
			continue
		}
		c.mu.RLock()
		saved, ok := c.journaled[s.ID()]
		c.mu.RUnlock()
		if !ok || saved != state {
			continue
		}
		if err := c.Remove(s.ID()); err == nil {
			pruned = append(pruned, s.ID())
		}
	}
	if len(pruned) > 0 {
		c.log.Debug("Pruned finished swaps", "count", len(pruned))
	}
	return pruned
}

// Run checks deadlines and prunes finished sessions every interval until ctx
// or the coordinator is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.CheckTimeouts(c.cfg.Now())
			c.Prune()
		}
	}
}

// Close stops background work.
func (c *Coordinator) Close() error {
	c.cancel()
	return nil
}
