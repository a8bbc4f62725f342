package swap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/taproot"
	"github.com/klingon-exchange/tanos/pkg/logging"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// SessionConfig holds the values both roles agree on before the swap starts,
// plus the local key.
type SessionConfig struct {
	SwapID  string
	Content string
	Amount  int64
	Key     *secp.Scalar

	Engine   *adaptor.Engine
	Timeouts Timeouts
	MinConf  uint32

	// Outputs memoizes lock output derivation. Nil gives the session its
	// own cache.
	Outputs *taproot.Cache

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Record is the persisted view of a session. It never contains private
// scalars or the withheld signature.
type Record struct {
	ID              string
	Role            Role
	State           State
	Content         string
	MessageID       []byte
	Amount          int64
	LocalKey        []byte // x-only
	CounterpartyKey []byte // compressed
	AdaptorPoint    []byte // compressed
	NoncePoint      []byte // compressed
	OutputScript    []byte
	FundingOutPoint string
	ClaimTxID       string
	Failure         string
	Deadline        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session is the role-independent view the Coordinator manages.
type Session interface {
	ID() string
	Role() Role
	State() State
	Deadline() time.Time
	Err() error
	Record() *Record

	// Expire moves an overdue non-terminal session to StateExpired.
	Expire(now time.Time) bool

	// Cancel discards the session before any broadcast.
	Cancel() error

	setObserver(fn func(*Record))
}

// session holds the state shared by both roles. All fields are guarded by mu.
type session struct {
	mu sync.Mutex

	id      string
	role    Role
	content string
	amount  int64
	key     *secp.Scalar
	pub     secp.Point // even Y

	engine   *adaptor.Engine
	timeouts Timeouts
	minConf  uint32
	outputs  *taproot.Cache
	now      func() time.Time

	state     State
	deadline  time.Time
	failure   error
	createdAt time.Time
	updatedAt time.Time

	observer func(*Record)
	snapshot func() *Record // role-specific record, caller holds mu
	log      *logging.Logger
}

func newSession(cfg SessionConfig, role Role) (*session, error) {
	if cfg.SwapID == "" {
		return nil, errors.New("swap id is required")
	}
	if cfg.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", cfg.Amount)
	}
	if cfg.Key == nil || cfg.Key.IsZero() {
		return nil, secp.ErrInvalidKey
	}

	s := &session{
		id:       cfg.SwapID,
		role:     role,
		content:  cfg.Content,
		amount:   cfg.Amount,
		key:      new(secp.Scalar).Set(cfg.Key),
		engine:   cfg.Engine,
		timeouts: cfg.Timeouts,
		minConf:  cfg.MinConf,
		outputs:  cfg.Outputs,
		now:      cfg.Now,
		state:    StateInit,
		log:      logging.GetDefault().Component("swap").With("swap", cfg.SwapID, "role", role),
	}
	if s.engine == nil {
		s.engine = adaptor.New()
	}
	if s.timeouts == (Timeouts{}) {
		s.timeouts = DefaultTimeouts()
	}
	if s.minConf == 0 {
		s.minConf = 1
	}
	if s.outputs == nil {
		s.outputs = taproot.NewCache()
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.pub, _ = secp.BaseMul(s.key).EvenY()
	s.createdAt = s.now()
	s.updatedAt = s.createdAt
	if d := s.timeouts.forState(StateInit); d > 0 {
		s.deadline = s.createdAt.Add(d)
	}
	return s, nil
}

// lockOutput derives the output committing to the adaptor point under
// internalKey.
func (s *session) lockOutput(internalKey, adaptorPoint secp.Point) (*taproot.Output, error) {
	root, err := taproot.CommitmentRoot(internalKey, adaptorPoint)
	if err != nil {
		return nil, err
	}
	return s.outputs.Derive(internalKey, root)
}

// ID returns the swap id.
func (s *session) ID() string { return s.id }

// Role returns the local role.
func (s *session) Role() Role { return s.role }

// PubKey returns the even-Y public key of the session key.
func (s *session) PubKey() secp.Point { return s.pub }

// State returns the current state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deadline returns the deadline of the current phase.
func (s *session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Err returns the failure that ended the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Record returns a snapshot for persistence.
func (s *session) Record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record()
}

func (s *session) setObserver(fn func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// record builds the persisted view. Caller must hold s.mu.
func (s *session) record() *Record {
	var rec *Record
	if s.snapshot != nil {
		rec = s.snapshot()
	} else {
		rec = &Record{}
	}
	rec.ID = s.id
	rec.Role = s.role
	rec.State = s.state
	rec.Content = s.content
	rec.Amount = s.amount
	rec.LocalKey = s.pub.SerializeXOnly()
	rec.Deadline = s.deadline
	rec.CreatedAt = s.createdAt
	rec.UpdatedAt = s.updatedAt
	if s.failure != nil {
		rec.Failure = s.failure.Error()
	}
	return rec
}

// transition moves to the next state and notifies the observer.
// Caller must hold s.mu.
func (s *session) transition(to State) {
	from := s.state
	s.state = to
	s.updatedAt = s.now()
	s.deadline = time.Time{}
	if d := s.timeouts.forState(to); d > 0 {
		s.deadline = s.updatedAt.Add(d)
	}
	if to.IsTerminal() {
		s.wipe()
	}

	s.log.Info("State changed", "from", from, "to", to)
	s.notify()
}

func (s *session) notify() {
	if s.observer != nil {
		s.observer(s.record())
	}
}

// fail records err as the first failure and moves to StateFailed. It returns
// err so call sites can `return s.fail(err)`. Caller must hold s.mu.
func (s *session) fail(err error) error {
	if s.state.IsTerminal() {
		return err
	}
	s.failure = err
	s.log.Warn("Swap failed", "state", s.state, "error", err)
	s.transition(StateFailed)
	return err
}

// checkState returns ErrInvalidState unless the session is in want.
// Caller must hold s.mu.
func (s *session) checkState(want State) error {
	if s.state == want {
		return nil
	}
	if s.state.IsTerminal() && s.failure != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidState, s.state, s.failure)
	}
	return fmt.Errorf("%w: in %s, need %s", ErrInvalidState, s.state, want)
}

// Expire moves the session to StateExpired if its deadline has passed.
func (s *session) Expire(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() || s.deadline.IsZero() || !now.After(s.deadline) {
		return false
	}
	s.failure = fmt.Errorf("%w: in %s", ErrExpired, s.state)
	s.transition(StateExpired)
	return true
}

// wipe zeroes the private key. Caller must hold s.mu.
func (s *session) wipe() {
	if s.key != nil {
		s.key.Zero()
		s.key = nil
	}
}
