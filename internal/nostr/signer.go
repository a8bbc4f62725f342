package nostr

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/swap"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// Signer signs swap messages as Nostr events. The signed bytes of a message
// are its event id, so the adaptor point a Seller commits to is the one the
// published event will reveal.
type Signer struct {
	engine *adaptor.Engine
	kind   int
	tags   [][]string
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithKind sets the event kind. Default KindTextNote.
func WithKind(kind int) SignerOption {
	return func(s *Signer) { s.kind = kind }
}

// WithTags sets the tags carried by every event.
func WithTags(tags [][]string) SignerOption {
	return func(s *Signer) { s.tags = tags }
}

// WithClock sets the created_at source.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner creates a Signer drawing nonces from engine.
func NewSigner(engine *adaptor.Engine, opts ...SignerOption) *Signer {
	if engine == nil {
		engine = adaptor.New()
	}
	s := &Signer{
		engine: engine,
		kind:   KindTextNote,
		tags:   [][]string{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign creates and signs an event carrying content.
func (s *Signer) Sign(key *secp.Scalar, content string) (*swap.SignedMessage, error) {
	if key == nil || key.IsZero() {
		return nil, secp.ErrInvalidKey
	}

	pub := secp.BaseMul(key).X()
	ev := &Event{
		PubKey:    hex.EncodeToString(pub[:]),
		CreatedAt: s.now().Unix(),
		Kind:      s.kind,
		Tags:      s.tags,
		Content:   content,
	}
	id := ev.Hash()

	sig, err := s.engine.Sign(key, id[:])
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}

	m := &swap.SignedMessage{
		ID:        id[:],
		PubKey:    pub,
		CreatedAt: ev.CreatedAt,
		Content:   content,
	}
	copy(m.Sig[:], sig)
	return m, nil
}

// MessageID recomputes the event id of m.
func (s *Signer) MessageID(m *swap.SignedMessage) ([]byte, error) {
	if m == nil {
		return nil, ErrInvalidEvent
	}
	id := s.event(m).Hash()
	return id[:], nil
}

// Verify checks that m.ID is the event id of m and that the signature is
// valid over it.
func (s *Signer) Verify(m *swap.SignedMessage) bool {
	if m == nil {
		return false
	}
	return s.Event(m).Verify() == nil
}

// Event returns m as a publishable event.
func (s *Signer) Event(m *swap.SignedMessage) *Event {
	ev := s.event(m)
	ev.ID = hex.EncodeToString(m.ID)
	if m.Sig != ([64]byte{}) {
		ev.Sig = hex.EncodeToString(m.Sig[:])
	}
	return ev
}

func (s *Signer) event(m *swap.SignedMessage) *Event {
	return &Event{
		PubKey:    hex.EncodeToString(m.PubKey[:]),
		CreatedAt: m.CreatedAt,
		Kind:      s.kind,
		Tags:      s.tags,
		Content:   m.Content,
	}
}

// MessageFromEvent converts a signed event back into a swap message.
func MessageFromEvent(ev *Event) (*swap.SignedMessage, error) {
	id, err := hex.DecodeString(ev.ID)
	if err != nil || len(id) != 32 {
		return nil, fmt.Errorf("%w: id", ErrInvalidEvent)
	}
	pub, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("%w: pubkey", ErrInvalidEvent)
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sig) != 64 {
		return nil, fmt.Errorf("%w: sig", ErrInvalidEvent)
	}

	m := &swap.SignedMessage{
		ID:        id,
		CreatedAt: ev.CreatedAt,
		Content:   ev.Content,
	}
	copy(m.PubKey[:], pub)
	copy(m.Sig[:], sig)
	return m, nil
}

var _ swap.MessageSigner = (*Signer)(nil)
