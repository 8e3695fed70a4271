package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/crypto"
	"github.com/alanyoungcy/raffler/internal/domain"
)

// Envelope carries the authorisation of a mutating request. It is embedded in
// the request body next to the operation fields.
type Envelope struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Seal signs op with s and fills the envelope. Used by clients.
func Seal(s *crypto.Signer, op crypto.Operation) (Envelope, error) {
	sig, err := s.SignOperation(op)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Signer:    s.Address().Hex(),
		Signature: sig,
		Nonce:     op.Nonce,
		ExpiresAt: op.ExpiresAt,
	}, nil
}

// Verifier authenticates envelopes against the operation they claim to sign.
type Verifier struct {
	require bool
	maxTTL  time.Duration
	guard   *ReplayGuard
	now     func() time.Time
}

// NewVerifier builds a Verifier. With require false the stated signer is
// trusted without a signature; expiry and nonce reuse are still enforced.
func NewVerifier(require bool, maxTTL time.Duration) *Verifier {
	return &Verifier{
		require: require,
		maxTTL:  maxTTL,
		guard:   NewReplayGuard(maxTTL),
		now:     time.Now,
	}
}

// Verify checks env over op and returns the authenticated signer. Failures
// wrap domain.ErrUnauthorized, or domain.ErrReplay for a reused nonce.
func (v *Verifier) Verify(env Envelope, op crypto.Operation) (common.Address, error) {
	signer, ok := parseAddress(env.Signer)
	if !ok {
		return common.Address{}, unauthorized("signer %q is not an address", env.Signer)
	}
	op.Nonce = env.Nonce
	op.ExpiresAt = env.ExpiresAt
	now := v.now()

	if op.Expired(now) {
		return common.Address{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, crypto.ErrExpired)
	}
	if v.require {
		switch {
		case env.Nonce == "":
			return common.Address{}, unauthorized("nonce is required")
		case env.ExpiresAt == 0:
			return common.Address{}, unauthorized("expires_at is required")
		case time.Unix(env.ExpiresAt, 0).After(now.Add(v.maxTTL)):
			return common.Address{}, unauthorized("expires_at is more than %s ahead", v.maxTTL)
		}
		got, err := crypto.RecoverSigner(op, env.Signature)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
		}
		if got != signer {
			return common.Address{}, unauthorized("signature does not match signer %s", signer.Hex())
		}
	}

	if env.Nonce != "" {
		if err := v.guard.Check(strings.ToLower(signer.Hex()) + ":" + env.Nonce); err != nil {
			return common.Address{}, err
		}
	}
	return signer, nil
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrUnauthorized}, args...)...)
}
