package store

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"

	"github.com/nearkey/signer-core/internal/shamir"
	"github.com/nearkey/signer-core/internal/svcerr"
)

type shamirKeyRow struct {
	KeyID     string       `db:"key_id"`
	E         string       `db:"e"`
	D         string       `db:"d"`
	CreatedAt time.Time    `db:"created_at"`
	ExpiresAt sql.NullTime `db:"expires_at"`
}

func (r shamirKeyRow) toKeyPair(active bool) (shamir.KeyPair, error) {
	e, ok := new(big.Int).SetString(r.E, 10)
	if !ok {
		return shamir.KeyPair{}, svcerr.New(svcerr.CodeCryptoInvalid, "decode shamir exponent e")
	}
	d, ok := new(big.Int).SetString(r.D, 10)
	if !ok {
		return shamir.KeyPair{}, svcerr.New(svcerr.CodeCryptoInvalid, "decode shamir exponent d")
	}
	kp := shamir.KeyPair{KeyID: r.KeyID, E: e, D: d, CreatedAt: r.CreatedAt, Active: active}
	if r.ExpiresAt.Valid {
		kp.ExpiresAt = &r.ExpiresAt.Time
	}
	return kp, nil
}

// CurrentKey returns the active server exponent pair. Implements
// internal/shamir.Store.
func (s *Store) CurrentKey() (shamir.KeyPair, error) {
	var row shamirKeyRow
	err := s.db.Get(&row, `SELECT key_id, e, d, created_at FROM shamir_current_key WHERE id = TRUE`)
	if errors.Is(err, sql.ErrNoRows) {
		return shamir.KeyPair{}, svcerr.New(svcerr.CodeShamirNotInit, "no shamir server key installed")
	}
	if err != nil {
		return shamir.KeyPair{}, wrapQueryErr("load current shamir key", err)
	}
	return row.toKeyPair(true)
}

// GraceKeys returns every still-retained superseded server exponent pair.
// Implements internal/shamir.Store.
func (s *Store) GraceKeys() ([]shamir.KeyPair, error) {
	var rows []shamirKeyRow
	if err := s.db.Select(&rows, `SELECT key_id, e, d, created_at, expires_at FROM shamir_grace_keys ORDER BY created_at`); err != nil {
		return nil, wrapQueryErr("load shamir grace keys", err)
	}
	out := make([]shamir.KeyPair, 0, len(rows))
	for _, row := range rows {
		kp, err := row.toKeyPair(false)
		if err != nil {
			return nil, err
		}
		out = append(out, kp)
	}
	return out, nil
}

// PutCurrentKey installs k as the sole active server key. Implements
// internal/shamir.Store.
func (s *Store) PutCurrentKey(k shamir.KeyPair) error {
	_, err := s.db.Exec(`
		INSERT INTO shamir_current_key (id, key_id, e, d, created_at)
		VALUES (TRUE, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET key_id = EXCLUDED.key_id, e = EXCLUDED.e, d = EXCLUDED.d, created_at = EXCLUDED.created_at
	`, k.KeyID, k.E.String(), k.D.String(), k.CreatedAt)
	if err != nil {
		return wrapQueryErr("put current shamir key", err)
	}
	return nil
}

// AddGraceKey persists a superseded server key as a grace key. Implements
// internal/shamir.Store.
func (s *Store) AddGraceKey(k shamir.KeyPair) error {
	var expiresAt sql.NullTime
	if k.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *k.ExpiresAt, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO shamir_grace_keys (key_id, e, d, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key_id) DO NOTHING
	`, k.KeyID, k.E.String(), k.D.String(), k.CreatedAt, expiresAt)
	if err != nil {
		return wrapQueryErr("add shamir grace key", err)
	}
	return nil
}

// RemoveGraceKey deletes a grace key by id. Implements internal/shamir.Store.
func (s *Store) RemoveGraceKey(keyID string) error {
	if _, err := s.db.Exec(`DELETE FROM shamir_grace_keys WHERE key_id = $1`, keyID); err != nil {
		return wrapQueryErr("remove shamir grace key", err)
	}
	return nil
}

// PruneExpiredGraceKeys deletes every grace key whose expiry has passed as
// of now. Implements internal/shamir.Store.
func (s *Store) PruneExpiredGraceKeys(now time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM shamir_grace_keys WHERE expires_at IS NOT NULL AND expires_at <= $1`, now); err != nil {
		return wrapQueryErr("prune expired shamir grace keys", err)
	}
	return nil
}
