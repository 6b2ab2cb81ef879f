// Package shamir implements the server side of a 3-pass commutative
// modular-exponentiation encryption protocol used to co-lock a
// key-encryption key (KEK) between a client and this relay, without the
// relay ever seeing the KEK in the clear.
//
// Grounded on the commutative-exponentiation construction itself (a
// classical Shamir 3-pass protocol: two parties each apply and later
// remove their own modular-exponentiation layer over a shared safe prime,
// relying on exponentiation mod p commuting) and, for the key-rotation
// state machine (current key plus a bounded set of still-valid grace
// keys), on other_examples' hashicorp/nomad keyring structures
// (RootKey/RootKeyMeta active/inactive/grace lifecycle), generalized from
// AES root-key rotation to RSA-style modular-exponentiation exponent
// rotation.
package shamir

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/nearkey/signer-core/internal/svcerr"
)

// KeyPair is one party's exponent pair for the 3-pass protocol: E is the
// locking exponent, D is its inverse mod (P-1), used to remove that party's
// own layer.
type KeyPair struct {
	KeyID     string
	E         *big.Int
	D         *big.Int
	CreatedAt time.Time
	Active    bool
	ExpiresAt *time.Time // nil for the active key; set once superseded
}

// GenerateServerKeypair produces a fresh exponent pair for the given safe
// prime p, choosing e coprime to p-1 and computing its modular inverse.
func GenerateServerKeypair(p *big.Int) (KeyPair, error) {
	pMinus1 := new(big.Int).Sub(p, big.NewInt(1))

	for attempt := 0; attempt < 64; attempt++ {
		e, err := rand.Int(rand.Reader, pMinus1)
		if err != nil {
			return KeyPair{}, svcerr.Wrap(svcerr.CodeCryptoInvalid, "generate shamir exponent", err)
		}
		if e.Sign() <= 0 {
			continue
		}
		gcd := new(big.Int)
		d := new(big.Int)
		gcd.GCD(d, nil, e, pMinus1)
		if gcd.Cmp(big.NewInt(1)) != 0 {
			continue // not coprime, retry
		}
		d.Mod(d, pMinus1)
		if d.Sign() <= 0 {
			d.Add(d, pMinus1)
		}
		return KeyPair{
			KeyID:     uuid.NewString(),
			E:         e,
			D:         d,
			CreatedAt: time.Now(),
			Active:    true,
		}, nil
	}
	return KeyPair{}, svcerr.New(svcerr.CodeCryptoInvalid, "failed to find a coprime exponent after 64 attempts")
}

// ApplyLayer raises value to exponent mod p — used both to apply a party's
// own lock (exponent E) and to remove it (exponent D), since the two
// operations are structurally identical modular exponentiations.
func ApplyLayer(p, value, exponent *big.Int) *big.Int {
	return new(big.Int).Exp(value, exponent, p)
}

// KeyInfo describes a server exponent pair without exposing its private
// components, safe to return over the relay's "shamir/info" endpoint.
type KeyInfo struct {
	KeyID     string
	CreatedAt time.Time
	Active    bool
	ExpiresAt *time.Time
}

func (k KeyPair) Info() KeyInfo {
	return KeyInfo{KeyID: k.KeyID, CreatedAt: k.CreatedAt, Active: k.Active, ExpiresAt: k.ExpiresAt}
}

// Store persists the server's current and grace exponent pairs. Relay
// deployments back this with Postgres (internal/relay/store); tests use an
// in-memory implementation.
type Store interface {
	CurrentKey() (KeyPair, error)
	GraceKeys() ([]KeyPair, error)
	PutCurrentKey(KeyPair) error
	AddGraceKey(KeyPair) error
	RemoveGraceKey(keyID string) error
	PruneExpiredGraceKeys(now time.Time) error
}

// Service wraps a Store and the shared safe prime, exposing the apply,
// remove, and rotate operations the relay's Shamir endpoints call.
type Service struct {
	P     *big.Int
	store Store
}

// NewService constructs a Service over a shared safe prime and a Store.
func NewService(p *big.Int, store Store) *Service {
	return &Service{P: p, store: store}
}

// ApplyServerLock applies the server's current exponent over a
// client-locked value (m^e_c mod p), producing the doubly-locked value
// (m^(e_c*e_s) mod p) the client then strips its own layer from to reach
// the co-locked state.
func (s *Service) ApplyServerLock(clientLocked *big.Int) (*big.Int, string, error) {
	key, err := s.store.CurrentKey()
	if err != nil {
		return nil, "", svcerr.Wrap(svcerr.CodeShamirNotInit, "load current shamir key", err)
	}
	return ApplyLayer(s.P, clientLocked, key.E), key.KeyID, nil
}

// RemoveServerLock removes a server layer identified by keyID from value,
// trying the active key first and falling back to matching grace keys so a
// client that co-locked under a now-rotated key can still unlock.
func (s *Service) RemoveServerLock(value *big.Int, keyID string) (*big.Int, error) {
	key, err := s.findKey(keyID)
	if err != nil {
		return nil, err
	}
	return ApplyLayer(s.P, value, key.D), nil
}

func (s *Service) findKey(keyID string) (KeyPair, error) {
	current, err := s.store.CurrentKey()
	if err != nil {
		return KeyPair{}, svcerr.Wrap(svcerr.CodeShamirNotInit, "load current shamir key", err)
	}
	if keyID == "" || keyID == current.KeyID {
		return current, nil
	}

	grace, err := s.store.GraceKeys()
	if err != nil {
		return KeyPair{}, svcerr.Wrap(svcerr.CodeShamirNotInit, "load grace keys", err)
	}
	for _, g := range grace {
		if g.KeyID == keyID {
			return g, nil
		}
	}
	return KeyPair{}, svcerr.New(svcerr.CodeUnknownKey, "no server key found for key id "+keyID)
}

// Info reports the active key and all live grace keys, never exposing
// exponents.
func (s *Service) Info() ([]KeyInfo, error) {
	current, err := s.store.CurrentKey()
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeShamirNotInit, "load current shamir key", err)
	}
	grace, err := s.store.GraceKeys()
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeShamirNotInit, "load grace keys", err)
	}

	infos := make([]KeyInfo, 0, len(grace)+1)
	infos = append(infos, current.Info())
	for _, g := range grace {
		infos = append(infos, g.Info())
	}
	return infos, nil
}

// Rotate generates a new current key, demotes the previous current key to a
// grace key with an expiry, and prunes any grace keys older than maxGrace
// beyond the configured bound (oldest first), mirroring a root-key-rotation
// policy of bounding the retained inactive key count.
func (s *Service) Rotate(graceTTL time.Duration, maxGraceKeys int) (KeyInfo, error) {
	oldCurrent, err := s.store.CurrentKey()
	if err != nil {
		return KeyInfo{}, svcerr.Wrap(svcerr.CodeShamirNotInit, "load current shamir key", err)
	}

	newKey, err := GenerateServerKeypair(s.P)
	if err != nil {
		return KeyInfo{}, err
	}
	if err := s.store.PutCurrentKey(newKey); err != nil {
		return KeyInfo{}, svcerr.Wrap(svcerr.CodeShamirNotInit, "persist new shamir key", err)
	}

	expiry := time.Now().Add(graceTTL)
	oldCurrent.Active = false
	oldCurrent.ExpiresAt = &expiry
	if err := s.store.AddGraceKey(oldCurrent); err != nil {
		return KeyInfo{}, svcerr.Wrap(svcerr.CodeShamirNotInit, "demote previous shamir key to grace", err)
	}

	if err := s.pruneToMax(maxGraceKeys); err != nil {
		return KeyInfo{}, err
	}

	return newKey.Info(), nil
}

func (s *Service) pruneToMax(maxGraceKeys int) error {
	grace, err := s.store.GraceKeys()
	if err != nil {
		return svcerr.Wrap(svcerr.CodeShamirNotInit, "load grace keys", err)
	}
	if len(grace) <= maxGraceKeys {
		return nil
	}
	// Oldest-first eviction: grace keys are appended in rotation order, so
	// the earliest entries are the oldest.
	excess := len(grace) - maxGraceKeys
	for i := 0; i < excess; i++ {
		if err := s.store.RemoveGraceKey(grace[i].KeyID); err != nil {
			return svcerr.Wrap(svcerr.CodeShamirNotInit, "prune grace key", err)
		}
	}
	return nil
}

// PruneExpired removes grace keys whose TTL has elapsed.
func (s *Service) PruneExpired() error {
	if err := s.store.PruneExpiredGraceKeys(time.Now()); err != nil {
		return svcerr.Wrap(svcerr.CodeShamirNotInit, "prune expired grace keys", err)
	}
	return nil
}

// AddGraceKey manually provisions a standby exponent pair as a grace key
// without going through Rotate, for an operator pre-staging a key a
// co-locked value was locked under on another relay instance.
func (s *Service) AddGraceKey(k KeyPair) error {
	if err := s.store.AddGraceKey(k); err != nil {
		return svcerr.Wrap(svcerr.CodeShamirNotInit, "add grace key", err)
	}
	return nil
}

// RemoveGraceKey deletes a grace key by id, letting an operator retire a
// standby key before its TTL would otherwise prune it.
func (s *Service) RemoveGraceKey(keyID string) error {
	if err := s.store.RemoveGraceKey(keyID); err != nil {
		return svcerr.Wrap(svcerr.CodeShamirNotInit, "remove grace key", err)
	}
	return nil
}
