package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/devicelink"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

type devicelinkRow struct {
	ID           string         `db:"id"`
	Role         int            `db:"role"`
	State        string         `db:"state"`
	AccountID    string         `db:"account_id"`
	TempSeed     sql.NullString `db:"temp_seed"`
	NewPublicKey string         `db:"new_public_key"`
	DeviceNumber uint32         `db:"device_number"`
	Attempts     int            `db:"attempts"`
	LastError    string         `db:"last_error"`
	CreatedAt    sql.NullTime   `db:"created_at"`
	UpdatedAt    sql.NullTime   `db:"updated_at"`
	ExpiresAt    sql.NullTime   `db:"expires_at"`
}

// Save persists a device-linking session, inserting or replacing it by id.
// Implements internal/devicelink.Store.
func (s *Store) Save(ctx context.Context, session devicelink.Session) error {
	row := devicelinkRow{
		ID:           session.ID,
		Role:         int(session.Role),
		State:        string(session.State),
		AccountID:    string(session.AccountID),
		NewPublicKey: string(session.NewPublicKey),
		DeviceNumber: session.DeviceNumber,
		Attempts:     session.Attempts,
		LastError:    session.LastError,
		CreatedAt:    sql.NullTime{Time: session.CreatedAt, Valid: true},
		UpdatedAt:    sql.NullTime{Time: session.UpdatedAt, Valid: true},
		ExpiresAt:    sql.NullTime{Time: session.ExpiresAt, Valid: true},
	}
	if session.TempKeypair != nil {
		row.TempSeed = sql.NullString{String: cryptocore.EncodePublicKey(session.TempKeypair.Seed), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devicelink_sessions
			(id, role, state, account_id, temp_seed, new_public_key, device_number, attempts, last_error, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			state = EXCLUDED.state,
			account_id = EXCLUDED.account_id,
			temp_seed = EXCLUDED.temp_seed,
			new_public_key = EXCLUDED.new_public_key,
			device_number = EXCLUDED.device_number,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
	`, row.ID, row.Role, row.State, row.AccountID, row.TempSeed, row.NewPublicKey,
		row.DeviceNumber, row.Attempts, row.LastError, row.CreatedAt, row.UpdatedAt, row.ExpiresAt)
	if err != nil {
		return wrapQueryErr("save device-linking session", err)
	}
	return nil
}

// Load reads a device-linking session by id. Implements
// internal/devicelink.Store.
func (s *Store) Load(ctx context.Context, id string) (devicelink.Session, error) {
	var row devicelinkRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, role, state, account_id, temp_seed, new_public_key, device_number, attempts, last_error, created_at, updated_at, expires_at
		FROM devicelink_sessions WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return devicelink.Session{}, svcerr.New(svcerr.CodeSessionExpired, "device-linking session not found")
	}
	if err != nil {
		return devicelink.Session{}, wrapQueryErr("load device-linking session", err)
	}

	session := devicelink.Session{
		ID:           row.ID,
		Role:         devicelink.Role(row.Role),
		State:        devicelink.State(row.State),
		AccountID:    types.AccountID(row.AccountID),
		NewPublicKey: types.NearPublicKey(row.NewPublicKey),
		DeviceNumber: row.DeviceNumber,
		Attempts:     row.Attempts,
		LastError:    row.LastError,
		CreatedAt:    row.CreatedAt.Time,
		UpdatedAt:    row.UpdatedAt.Time,
		ExpiresAt:    row.ExpiresAt.Time,
	}
	if row.TempSeed.Valid {
		seed, err := cryptocore.DecodePublicKey(row.TempSeed.String)
		if err != nil {
			return devicelink.Session{}, svcerr.Wrap(svcerr.CodeCryptoInvalid, "decode stored temp keypair seed", err)
		}
		kp := cryptocore.NewKeyPairFromSeed(seed)
		session.TempKeypair = &kp
	}
	return session, nil
}
