package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// AccountRecord is the relay's own idempotency record of an account it has
// created, independent of the chain's own state (the chain remains the
// source of truth; this record only short-circuits a duplicate
// create_account call without a round trip).
type AccountRecord struct {
	AccountID types.AccountID `db:"account_id"`
	PublicKey types.NearPublicKey `db:"public_key"`
}

// RecordAccountCreated inserts an idempotency record for a newly created
// account. Inserting an already-present account_id is a no-op rather than
// an error, since create_account is itself idempotent w.r.t. identical
// inputs.
func (s *Store) RecordAccountCreated(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_accounts (account_id, public_key) VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING
	`, string(accountID), string(publicKey))
	if err != nil {
		return wrapQueryErr("record account created", err)
	}
	return nil
}

// AccountRecordExists reports whether the relay has already recorded
// creating accountID.
func (s *Store) AccountRecordExists(ctx context.Context, accountID types.AccountID) (bool, error) {
	var record AccountRecord
	err := s.db.GetContext(ctx, &record, `SELECT account_id, public_key FROM relay_accounts WHERE account_id = $1`, string(accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapQueryErr("check account record", err)
	}
	return true, nil
}

// RecordAudit appends an audit event, grounded on the teacher's practice of
// logging every state-changing relay operation for later inspection.
func (s *Store) RecordAudit(ctx context.Context, accountID types.AccountID, operation, outcome, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (account_id, operation, outcome, detail) VALUES ($1, $2, $3, $4)
	`, string(accountID), operation, outcome, detail)
	if err != nil {
		return svcerr.Wrap(svcerr.CodeInputInvalid, "record audit event", err)
	}
	return nil
}
