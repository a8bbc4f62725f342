package swap

import (
	"fmt"

	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// RawSigner signs the content bytes directly: the message a commitment binds
// is the UTF-8 content itself, of any length.
type RawSigner struct {
	engine *adaptor.Engine
}

// NewRawSigner creates a RawSigner drawing nonces from engine.
func NewRawSigner(engine *adaptor.Engine) *RawSigner {
	if engine == nil {
		engine = adaptor.New()
	}
	return &RawSigner{engine: engine}
}

// Sign signs content under key.
func (r *RawSigner) Sign(key *secp.Scalar, content string) (*SignedMessage, error) {
	if key == nil || key.IsZero() {
		return nil, secp.ErrInvalidKey
	}
	sig, err := r.engine.Sign(key, []byte(content))
	if err != nil {
		return nil, fmt.Errorf("raw sign: %w", err)
	}

	m := &SignedMessage{
		ID:      []byte(content),
		PubKey:  secp.BaseMul(key).X(),
		Content: content,
	}
	copy(m.Sig[:], sig)
	return m, nil
}

// MessageID returns the content bytes.
func (r *RawSigner) MessageID(m *SignedMessage) ([]byte, error) {
	return []byte(m.Content), nil
}

// Verify checks the signature over the content under the message's key.
func (r *RawSigner) Verify(m *SignedMessage) bool {
	if m == nil || string(m.ID) != m.Content {
		return false
	}
	return adaptor.VerifySchnorr(m.PubKey[:], m.ID, m.Sig[:])
}

var _ MessageSigner = (*RawSigner)(nil)
