// Package relay implements the Relay Authentication Service: the relayer
// account that pays gas to create and register new on-chain accounts on a
// user's behalf, verifies WebAuthn+VRF authentication assertions against
// the WebAuthn contract, and fronts the Shamir 3-pass server-lock service.
//
// Every state-changing operation is idempotent w.r.t. identical inputs and
// is serialized through internal/txqueue, keyed on the relayer account, to
// avoid nonce conflicts: grounded on spec.md section 4.10's requirement
// that all relay build-and-broadcast work funnel through one queue.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mr-tron/base58"

	"github.com/nearkey/signer-core/internal/chain"
	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/logging"
	"github.com/nearkey/signer-core/internal/nonce"
	"github.com/nearkey/signer-core/internal/resilience"
	"github.com/nearkey/signer-core/internal/session"
	"github.com/nearkey/signer-core/internal/shamir"
	"github.com/nearkey/signer-core/internal/signerworker"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/txqueue"
	"github.com/nearkey/signer-core/internal/types"
)

// Chain is the on-chain surface the relay depends on, satisfied by
// *chain.Client and fakeable in tests.
type Chain interface {
	ViewAccount(ctx context.Context, accountID types.AccountID) (chain.AccountView, error)
	CallFunction(ctx context.Context, contractID types.AccountID, methodName string, argsJSON []byte) (json.RawMessage, error)
	SendTransaction(ctx context.Context, signedBorshBytes []byte, waitUntil types.WaitUntil) (chain.SendTxResult, error)
}

// AccountStore is the relay's own idempotency and audit ledger, satisfied
// by *relaystore.Store.
type AccountStore interface {
	RecordAccountCreated(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) error
	AccountRecordExists(ctx context.Context, accountID types.AccountID) (bool, error)
	RecordAudit(ctx context.Context, accountID types.AccountID, operation, outcome, detail string) error
}

// Metrics is the narrow observability surface the relay reports through,
// satisfied implicitly by *metrics.Metrics and left nil by default so
// tests never need a Prometheus registry.
type Metrics interface {
	RecordRelayOperation(service, operation, status string, d time.Duration)
	RecordShamirRotation()
}

// Config holds the subset of internal/config.RelayConfig the Service needs,
// kept narrow so tests can construct one without the full environment-
// loaded configuration object.
type Config struct {
	RelayerAccountID     types.AccountID
	RelayerPrivateKey    string // "ed25519:<base58 seed, or base58 seed||pubkey>"
	WebAuthnContractID   types.AccountID
	NetworkID            string
	AccountInitialBalance string // yocto, string-encoded big integer
	CreateAndRegisterGas  uint64
	Rotation              RotationSchedule
}

// Service implements the relay's three primary operations plus the Shamir
// server-lock passthrough, wired together the way cmd/relay constructs it.
type Service struct {
	cfg     Config
	relayer cryptocore.KeyPair

	chain   Chain
	nonces  *nonce.Manager
	signer  *signerworker.Worker
	queue   *txqueue.Queue
	store    AccountStore
	shamir   *shamir.Service
	session  *session.Service
	log      *logging.Logger
	metrics  Metrics
	rotation RotationSchedule

	retryCfg resilience.RetryConfig
}

// Deps bundles every collaborator Service needs. A nil Shamir leaves the
// Shamir endpoints unavailable, mirroring spec.md's "optional Shamir escrow"
// config note; a nil Session still lets authentication be verified, but no
// session credential is issued.
type Deps struct {
	Chain   Chain
	Nonces  *nonce.Manager
	Signer  *signerworker.Worker
	Queue   *txqueue.Queue
	Store   AccountStore
	Shamir  *shamir.Service
	Session *session.Service
	Log     *logging.Logger
	Metrics Metrics
}

// New constructs a Service, parsing the configured relayer key eagerly so a
// malformed key fails at startup rather than on the first request.
func New(cfg Config, deps Deps) (*Service, error) {
	kp, err := parseRelayerKeypair(cfg.RelayerPrivateKey)
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = logging.NewDefault("relay")
	}
	return &Service{
		cfg:      cfg,
		relayer:  kp,
		chain:    deps.Chain,
		nonces:   deps.Nonces,
		signer:   deps.Signer,
		queue:    deps.Queue,
		store:    deps.Store,
		shamir:   deps.Shamir,
		session:  deps.Session,
		log:      log,
		metrics:  deps.Metrics,
		rotation: cfg.Rotation,
		retryCfg: resilience.DefaultRetryConfig(),
	}, nil
}

// parseRelayerKeypair decodes the relayer's configured private key. NEAR
// key files encode an Ed25519 keypair as "ed25519:<base58>" over either the
// raw 32-byte seed or the conventional seed||publicKey 64-byte pair;
// generalized from cryptocore.DecodePublicKey's prefix handling.
func parseRelayerKeypair(encoded string) (cryptocore.KeyPair, error) {
	if len(encoded) < 8 || encoded[:8] != "ed25519:" {
		return cryptocore.KeyPair{}, svcerr.New(svcerr.CodeCryptoInvalid, "relayer private key must have ed25519: prefix")
	}
	raw, err := base58.Decode(encoded[8:])
	if err != nil {
		return cryptocore.KeyPair{}, svcerr.Wrap(svcerr.CodeCryptoInvalid, "decode relayer private key", err)
	}
	switch len(raw) {
	case 32, 64:
		var seed [32]byte
		copy(seed[:], raw[:32])
		return cryptocore.NewKeyPairFromSeed(seed), nil
	default:
		return cryptocore.KeyPair{}, svcerr.New(svcerr.CodeCryptoInvalid, "relayer private key must decode to 32 or 64 bytes")
	}
}

// buildAndBroadcast reserves a nonce and block hash for the relayer
// account, signs a transaction to receiverID carrying actions, and
// broadcasts it, waiting for the outcome to be included. It is always
// invoked from inside a txqueue job so concurrent relay requests never race
// on the relayer's nonce.
func (s *Service) buildAndBroadcast(ctx context.Context, receiverID types.AccountID, actions []types.Action) (chain.SendTxResult, error) {
	signingCtx, nonces, err := s.nonces.ReserveNonces(ctx, s.cfg.RelayerAccountID, s.relayerPublicKey(), 1)
	if err != nil {
		return chain.SendTxResult{}, err
	}

	tx := types.Transaction{
		SignerID:   s.cfg.RelayerAccountID,
		PublicKey:  signingCtx.NearPublicKey,
		Nonce:      nonces[0],
		ReceiverID: receiverID,
		BlockHash:  signingCtx.BlockHash,
		Actions:    actions,
	}

	signed, err := s.signer.SignWithKeypair(ctx, s.relayer, tx, nil)
	if err != nil {
		return chain.SendTxResult{}, err
	}

	return s.chain.SendTransaction(ctx, signed.BorshBytes, types.WaitIncludedFinal)
}

// submit routes fn through the account-keyed transaction queue so it never
// runs concurrently with another build-and-broadcast for the same signing
// account.
func (s *Service) submit(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return s.queue.Submit(ctx, s.cfg.RelayerAccountID, fn)
}

func (s *Service) audit(ctx context.Context, accountID types.AccountID, operation, outcome, detail string) {
	if s.store == nil {
		return
	}
	if err := s.store.RecordAudit(ctx, accountID, operation, outcome, detail); err != nil {
		s.log.WithField("account_id", string(accountID)).WithField("operation", operation).Warn("record audit event failed")
	}
}

// recordOperation reports an operation's outcome and latency if a Metrics
// collector was wired in; a nil receiver's caller (no metrics configured)
// gets a harmless no-op.
func (s *Service) recordOperation(operation, status string, since time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordRelayOperation("relay", operation, status, time.Since(since))
}

// relayerPublicKey renders the relayer's public key in NEAR's wire form.
func (s *Service) relayerPublicKey() types.NearPublicKey {
	var pub [32]byte
	copy(pub[:], s.relayer.PublicKey)
	return types.NearPublicKey(cryptocore.EncodePublicKey(pub))
}
