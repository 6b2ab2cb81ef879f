// Package devicelink implements the Device-Linking State Machine: a
// two-device key introduction protocol where a new device (Device-2)
// generates a QR code and an existing, authenticated device (Device-1)
// scans and authorizes it, after which Device-2 swaps a temporary key for
// its permanent deterministic one and completes on-chain registration.
//
// Grounded on the teacher's services/vrf session lifecycle (a named-state
// session object persisted between requests so a multi-step ceremony
// survives process restarts) generalized from a single VRF request's
// states to the nine device-linking states spec.md §4.8 names, and on
// internal/resilience for the bounded-retry registration step.
package devicelink

import (
	"context"
	"strings"
	"time"

	"github.com/nearkey/signer-core/internal/chain"
	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/resilience"
	"github.com/nearkey/signer-core/internal/signerworker"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// Role distinguishes the two participants in a linking session.
type Role int

const (
	RoleDevice1 Role = iota // existing, already-registered device
	RoleDevice2             // new device being introduced
)

// State is one of the named device-linking states from spec.md §4.8.
type State string

const (
	StateIdle                State = "IDLE"
	StateQRGenerated         State = "QR_GENERATED"
	StateScanning            State = "SCANNING"
	StateAuthorization       State = "AUTHORIZATION"
	StatePolling             State = "POLLING"
	StateAddKeyDetected      State = "ADDKEY_DETECTED"
	StateRegistration        State = "REGISTRATION"
	StateLinkingComplete     State = "LINKING_COMPLETE"
	StateAutoLogin           State = "AUTO_LOGIN"
	StateAuthorizationFailed State = "AUTHORIZATION_FAILED"
	StateRegistrationFailed  State = "REGISTRATION_FAILED"
	StateExpired             State = "EXPIRED"
)

const (
	// DefaultPollInterval mirrors spec.md's "interval ≈ configured" note
	// for Device-2's ADDKEY_DETECTED polling loop.
	DefaultPollInterval = 2 * time.Second
	// DefaultSessionTTL bounds how long an unclaimed QR code stays valid.
	DefaultSessionTTL = 10 * time.Minute
	// DefaultMaxRegistrationAttempts bounds Device-2's closed-list retry.
	DefaultMaxRegistrationAttempts = 5
	// DefaultRegistrationRetryDelay is the fixed delay between attempts.
	DefaultRegistrationRetryDelay = 2 * time.Second
)

// retryableCauses is the closed list of causes spec.md §4.8 allows
// REGISTRATION to retry on: everything else fails permanently.
var retryableCauses = []string{
	"operation not allowed",
	"request already pending",
	"network",
	"temporary",
	"transient",
}

// IsRetryableCause reports whether msg matches one of the closed list of
// retryable registration failure causes.
func IsRetryableCause(msg string) bool {
	lower := strings.ToLower(msg)
	for _, c := range retryableCauses {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// Session is the persisted state of one device-linking ceremony. It is
// loaded and saved through Store so a ceremony spanning Device-2's polling
// loop and Device-1's scan-and-authorize step survives a relay restart.
type Session struct {
	ID           string
	Role         Role
	State        State
	AccountID    types.AccountID // known once Device-1 authorizes, or up front for known-account flows
	TempKeypair  *cryptocore.KeyPair
	NewPublicKey types.NearPublicKey
	DeviceNumber uint32
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the session has outlived its TTL as of now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store persists device-linking sessions. Production is backed by
// internal/relay/store's Postgres tables; MemStore below is the
// in-process implementation used by tests.
type Store interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, id string) (Session, error)
}

// ChainQuerier is the subset of chain access the state machine needs to
// detect that the linking contract call registered a new device.
type ChainQuerier interface {
	// LinkedAccountMapping looks up whether tempOrNewKey has appeared in the
	// contract's device-linking mapping, returning the account it was
	// linked to and the device counter recorded at link time.
	LinkedAccountMapping(ctx context.Context, tempOrNewKey types.NearPublicKey) (accountID types.AccountID, deviceCounter uint32, found bool, err error)
}

// Signer is the subset of *signerworker.Worker the state machine depends on.
type Signer interface {
	SignWithKeypair(ctx context.Context, kp cryptocore.KeyPair, tx types.Transaction, progress chan<- signerworker.ProgressEvent) (types.SignedTransaction, error)
}

// Broadcaster is the subset of *chain.Client the state machine depends on.
type Broadcaster interface {
	SendTransaction(ctx context.Context, signedBorshBytes []byte, waitUntil types.WaitUntil) (chain.SendTxResult, error)
}

// Deps wires the state machine to its collaborators.
type Deps struct {
	Store       Store
	Chain       ChainQuerier
	Signer      Signer
	Broadcaster Broadcaster
	NowFunc     func() time.Time

	// RegistrationRetry overrides the registration retry schedule; zero
	// value falls back to DefaultMaxRegistrationAttempts and
	// DefaultRegistrationRetryDelay. Tests set a short delay here to keep
	// the retry path fast.
	RegistrationRetry resilience.RetryConfig
}

func (d Deps) now() time.Time {
	if d.NowFunc != nil {
		return d.NowFunc()
	}
	return time.Now()
}

func (d Deps) registrationRetryConfig() resilience.RetryConfig {
	cfg := d.RegistrationRetry
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxRegistrationAttempts
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = DefaultRegistrationRetryDelay
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1 // spec.md specifies a fixed configured delay, not exponential backoff, for this retry
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return cfg
}

// StartDevice2 begins a Device-2 session: IDLE -> QR_GENERATED. If
// accountID is non-empty the caller already has a VRF-bound credential for
// it and newKey is that credential's deterministic public key; the session
// has no temporary keypair to swap later. If accountID is empty, tempKey is
// a freshly generated ephemeral keypair that will be swapped out once the
// contract mapping appears.
func StartDevice2(ctx context.Context, deps Deps, id string, accountID types.AccountID, newKey types.NearPublicKey, tempKey *cryptocore.KeyPair) (Session, error) {
	now := deps.now()
	s := Session{
		ID:           id,
		Role:         RoleDevice2,
		State:        StateQRGenerated,
		AccountID:    accountID,
		NewPublicKey: newKey,
		TempKeypair:  tempKey,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(DefaultSessionTTL),
	}
	if err := deps.Store.Save(ctx, s); err != nil {
		return Session{}, svcerr.Wrap(svcerr.CodeRegistrationFailed, "save device-2 session", err)
	}
	return s, nil
}

// qrPublicKey is the public key Device-1 scans from the QR code: the
// temporary keypair's public key if one was generated, otherwise the
// already-deterministic new key.
func (s Session) qrPublicKey() types.NearPublicKey {
	if s.TempKeypair != nil {
		var pub [32]byte
		copy(pub[:], s.TempKeypair.PublicKey)
		return types.NearPublicKey(cryptocore.EncodePublicKey(pub))
	}
	return s.NewPublicKey
}

// QRPublicKey exposes qrPublicKey for callers rendering the QR payload.
func (s Session) QRPublicKey() types.NearPublicKey { return s.qrPublicKey() }

// Poll advances a Device-2 session from QR_GENERATED/POLLING to
// ADDKEY_DETECTED once the contract's device-linking mapping names this
// session's scanned public key. Returns (session, found, error); found is
// false (with no error) while the mapping has not yet appeared, which
// callers use to decide whether to poll again after DefaultPollInterval.
func Poll(ctx context.Context, deps Deps, id string) (Session, bool, error) {
	s, err := deps.Store.Load(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	if s.Role != RoleDevice2 {
		return Session{}, false, svcerr.New(svcerr.CodeInputInvalid, "poll is only valid for a device-2 session")
	}
	if s.Expired(deps.now()) {
		s.State = StateExpired
		_ = deps.Store.Save(ctx, s)
		return s, false, svcerr.New(svcerr.CodeSessionExpired, "device-linking session expired")
	}
	if s.State == StateQRGenerated {
		s.State = StatePolling
	}

	accountID, counter, found, err := deps.Chain.LinkedAccountMapping(ctx, s.qrPublicKey())
	if err != nil {
		// Background polling swallows transient lookup errors: the session
		// simply stays in POLLING until the next tick or it expires.
		return s, false, nil
	}
	if !found {
		s.UpdatedAt = deps.now()
		if err := deps.Store.Save(ctx, s); err != nil {
			return s, false, err
		}
		return s, false, nil
	}

	s.AccountID = accountID
	s.DeviceNumber = counter + 1
	s.State = StateAddKeyDetected
	s.UpdatedAt = deps.now()
	if err := deps.Store.Save(ctx, s); err != nil {
		return s, false, err
	}
	return s, true, nil
}

// AuthorizationBundle is the three transactions Device-1 produces in a
// single WebAuthn ceremony per spec.md §4.8: AddKey and the registration
// FunctionCall are broadcast immediately; DeleteKey is retained by Device-2
// as a timeout-driven cleanup key and never broadcast here.
type AuthorizationBundle struct {
	AddKey       types.SignedTransaction
	Registration types.SignedTransaction
	DeleteKey    types.SignedTransaction
}

// Authorize runs Device-1's side of the ceremony: it signs the three-action
// bundle with a single keypair (Device-1's own, already decrypted by the
// caller via the normal orchestrator authentication flow), broadcasts
// AddKey and the registration FunctionCall, and returns the unbroadcast
// DeleteKey transaction for Device-2 to hold.
func Authorize(ctx context.Context, deps Deps, kp cryptocore.KeyPair, device1 types.AccountID, device1PublicKey types.NearPublicKey, baseNonce uint64, blockHash [32]byte, device2PublicKey types.NearPublicKey, registrationArgsJSON []byte) (AuthorizationBundle, error) {
	addKeyTx := types.Transaction{
		SignerID:   device1,
		PublicKey:  device1PublicKey,
		Nonce:      baseNonce,
		ReceiverID: device1,
		BlockHash:  blockHash,
		Actions: []types.Action{types.AddKeyAction{
			PublicKey: device2PublicKey,
			AccessKey: types.AccessKeyView{Permission: types.FullAccessPermission{}},
		}},
	}
	registrationTx := types.Transaction{
		SignerID:   device1,
		PublicKey:  device1PublicKey,
		Nonce:      baseNonce + 1,
		ReceiverID: device1,
		BlockHash:  blockHash,
		Actions: []types.Action{types.FunctionCallAction{
			MethodName: "store_device_linking_mapping",
			ArgsJSON:   registrationArgsJSON,
			Gas:        30_000_000_000_000,
			Deposit:    "0",
		}},
	}
	deleteKeyTx := types.Transaction{
		SignerID:   device1,
		PublicKey:  device1PublicKey,
		Nonce:      baseNonce + 2,
		ReceiverID: device1,
		BlockHash:  blockHash,
		Actions:    []types.Action{types.DeleteKeyAction{PublicKey: device2PublicKey}},
	}

	signedAddKey, err := deps.Signer.SignWithKeypair(ctx, kp, addKeyTx, nil)
	if err != nil {
		return AuthorizationBundle{}, svcerr.Wrap(svcerr.CodeSigFail, "sign add key", err)
	}
	signedRegistration, err := deps.Signer.SignWithKeypair(ctx, kp, registrationTx, nil)
	if err != nil {
		return AuthorizationBundle{}, svcerr.Wrap(svcerr.CodeSigFail, "sign registration", err)
	}
	signedDeleteKey, err := deps.Signer.SignWithKeypair(ctx, kp, deleteKeyTx, nil)
	if err != nil {
		return AuthorizationBundle{}, svcerr.Wrap(svcerr.CodeSigFail, "sign delete key", err)
	}

	if _, err := deps.Broadcaster.SendTransaction(ctx, signedAddKey.BorshBytes, types.WaitExecuted); err != nil {
		return AuthorizationBundle{}, svcerr.Wrap(svcerr.CodeTxFailure, "broadcast add key", err)
	}
	if _, err := deps.Broadcaster.SendTransaction(ctx, signedRegistration.BorshBytes, types.WaitExecuted); err != nil {
		return AuthorizationBundle{}, svcerr.Wrap(svcerr.CodeTxFailure, "broadcast registration", err)
	}

	return AuthorizationBundle{AddKey: signedAddKey, Registration: signedRegistration, DeleteKey: signedDeleteKey}, nil
}

// CompleteRegistration runs Device-2's side after ADDKEY_DETECTED: if the
// session holds a temporary keypair, it performs the key swap
// (AddKey(new) + DeleteKey(temp)) signed with the temporary key, then signs
// and broadcasts the registration transaction with the new key's first
// nonce, retrying only on the closed list of causes IsRetryableCause
// recognizes. newKeypair is the new device's own decrypted signing key
// (already obtained by the caller through the normal authentication flow);
// the temporary keypair, if any, is zeroed on the Session in every exit
// path, matching spec.md's cleanup requirement.
func CompleteRegistration(ctx context.Context, deps Deps, id string, newKeypair cryptocore.KeyPair, registrationArgsJSON []byte, blockHash [32]byte) (Session, error) {
	s, err := deps.Store.Load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.State != StateAddKeyDetected {
		return Session{}, svcerr.New(svcerr.CodeInputInvalid, "session is not in ADDKEY_DETECTED")
	}
	s.State = StateRegistration
	defer func() { wipeTempKeypair(&s) }()

	if s.TempKeypair != nil {
		var tempPub [32]byte
		copy(tempPub[:], s.TempKeypair.PublicKey)
		tempPubKey := types.NearPublicKey(cryptocore.EncodePublicKey(tempPub))

		swapTx := types.Transaction{
			SignerID:   s.AccountID,
			PublicKey:  tempPubKey,
			Nonce:      0,
			ReceiverID: s.AccountID,
			BlockHash:  blockHash,
			Actions: []types.Action{
				types.AddKeyAction{PublicKey: s.NewPublicKey, AccessKey: types.AccessKeyView{Permission: types.FullAccessPermission{}}},
				types.DeleteKeyAction{PublicKey: tempPubKey},
			},
		}
		signedSwap, err := deps.Signer.SignWithKeypair(ctx, *s.TempKeypair, swapTx, nil)
		if err != nil {
			s.State = StateRegistrationFailed
			s.LastError = err.Error()
			_ = deps.Store.Save(ctx, s)
			return s, svcerr.Wrap(svcerr.CodeSigFail, "sign key swap", err)
		}
		if _, err := deps.Broadcaster.SendTransaction(ctx, signedSwap.BorshBytes, types.WaitExecuted); err != nil {
			s.State = StateRegistrationFailed
			s.LastError = err.Error()
			_ = deps.Store.Save(ctx, s)
			return s, svcerr.Wrap(svcerr.CodeTxFailure, "broadcast key swap", err)
		}
	}

	regCfg := deps.registrationRetryConfig()

	var attempts int
	err = resilience.Do(ctx, regCfg, func(e error) bool { return IsRetryableCause(e.Error()) }, func(ctx context.Context) error {
		attempts++
		regTx := types.Transaction{
			SignerID:   s.AccountID,
			PublicKey:  s.NewPublicKey,
			Nonce:      0,
			ReceiverID: s.AccountID,
			BlockHash:  blockHash,
			Actions: []types.Action{types.FunctionCallAction{
				MethodName: "confirm_device_registration",
				ArgsJSON:   registrationArgsJSON,
				Gas:        30_000_000_000_000,
				Deposit:    "0",
			}},
		}
		signed, err := deps.Signer.SignWithKeypair(ctx, newKeypair, regTx, nil)
		if err != nil {
			return err
		}
		_, err = deps.Broadcaster.SendTransaction(ctx, signed.BorshBytes, types.WaitExecuted)
		return err
	})
	s.Attempts = attempts

	if err != nil {
		s.State = StateRegistrationFailed
		s.LastError = err.Error()
		_ = deps.Store.Save(ctx, s)
		return s, svcerr.Wrap(svcerr.CodeRegistrationFailed, "device registration", err)
	}

	wipeTempKeypair(&s)
	s.State = StateLinkingComplete
	s.UpdatedAt = deps.now()
	if err := deps.Store.Save(ctx, s); err != nil {
		return s, err
	}

	s.State = StateAutoLogin
	if err := deps.Store.Save(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

func wipeTempKeypair(s *Session) {
	if s.TempKeypair == nil {
		return
	}
	s.TempKeypair.Seed = [32]byte{}
	s.TempKeypair.PrivateKey = nil
	s.TempKeypair.PublicKey = nil
	s.TempKeypair = nil
}
