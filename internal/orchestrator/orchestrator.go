// Package orchestrator implements the Transaction Orchestrator: a phased
// pipeline that turns a batch of requested actions into broadcast,
// confirmed transactions, reporting progress at each phase and guaranteeing
// its before/after hooks each run exactly once.
//
// Grounded on the teacher's services/vrf request-lifecycle handlers (a
// fixed sequence of named stages, each able to fail independently, with a
// background goroutine driving state transitions) generalized from a
// single VRF request's lifecycle to the eight-phase signing pipeline
// spec.md describes, and on the §9 design note that a progress channel
// (rather than a callback) avoids cyclic references between the
// orchestrator and its caller.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/nearkey/signer-core/internal/chain"
	"github.com/nearkey/signer-core/internal/credential"
	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/signerworker"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
	"github.com/nearkey/signer-core/internal/vrfworker"
)

// Phase names, verbatim from spec.md §4.7.
const (
	PhasePreparation         = "PREPARATION"
	PhaseGeneratingChallenge = "GENERATING_CHALLENGE"
	PhaseWebAuthnAuth        = "WEBAUTHN_AUTHENTICATION"
	PhaseAuthComplete        = "AUTHENTICATION_COMPLETE"
	PhaseSigningProgress     = "TRANSACTION_SIGNING_PROGRESS"
	PhaseSigningComplete     = "TRANSACTION_SIGNING_COMPLETE"
	PhaseBroadcasting        = "BROADCASTING"
	PhaseActionComplete      = "ACTION_COMPLETE"
)

const (
	StatusOK    = "OK"
	StatusError = "ACTION_ERROR"
)

// ProgressEvent reports a phase transition.
type ProgressEvent struct {
	Phase   string
	Status  string
	Message string
	Data    interface{}
}

// TxRequest is one requested transaction within a batch.
type TxRequest struct {
	ReceiverID types.AccountID
	Actions    []types.Action
}

// UserRecord is the subset of a stored account this orchestrator needs to
// locate and decrypt the signing key.
type UserRecord struct {
	NearPublicKey    types.NearPublicKey
	EncryptedKeypair types.EncryptedKeypair
}

// UserStore loads the stored key material for an account.
type UserStore interface {
	LoadUser(ctx context.Context, accountID types.AccountID) (UserRecord, error)
}

// NonceSource is the subset of *nonce.Manager this orchestrator depends on.
type NonceSource interface {
	ReserveNonces(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey, count int) (types.SigningContext, []uint64, error)
}

// Broadcaster is the subset of *chain.Client this orchestrator depends on.
type Broadcaster interface {
	SendTransaction(ctx context.Context, signedBorshBytes []byte, waitUntil types.WaitUntil) (chain.SendTxResult, error)
}

// PhaseRecorder observes phase completions for metrics. *metrics.Metrics
// satisfies this interface; it is optional and may be left nil.
type PhaseRecorder interface {
	RecordOrchestratorPhase(service, phase, status string, d time.Duration)
}

// Deps wires the orchestrator to its collaborators.
type Deps struct {
	VRFWorker   *vrfworker.Worker
	Credentials credential.Provider
	Signer      *signerworker.Worker
	Nonces      NonceSource
	Chain       Broadcaster
	Users       UserStore
	Metrics     PhaseRecorder
}

// Input describes one orchestrator run.
type Input struct {
	AccountID            types.AccountID
	RPID                 string
	Transactions         []TxRequest
	ExecuteSequentially  bool
	WaitUntil            types.WaitUntil
	RecentBlockHash      [32]byte
	RecentBlockHeight    uint64
	BeforeCall           func()
	AfterCall            func(success bool)
}

// Result is the orchestrator's successful output.
type Result struct {
	SignedTransactions []types.SignedTransaction
	BroadcastResults   []chain.SendTxResult
}

// Run drives the eight-phase pipeline to completion, returning the
// accumulated Result and a fully populated, already-closed progress
// channel recording every phase event emitted along the way. The channel
// is returned closed (rather than streamed) so a caller can deterministically
// replay or assert on the exact event sequence after the fact, mirroring
// how this system's tests observe ordering.
func Run(ctx context.Context, deps Deps, in Input) (*Result, <-chan ProgressEvent, error) {
	events := make(chan ProgressEvent, 32)
	phaseStart := time.Now()
	emit := func(ev ProgressEvent) {
		events <- ev
		if deps.Metrics != nil {
			now := time.Now()
			deps.Metrics.RecordOrchestratorPhase("signer-core", ev.Phase, strings.ToLower(ev.Status), now.Sub(phaseStart))
			phaseStart = now
		}
	}

	var afterCallDone bool
	runAfterCall := func(success bool) {
		if afterCallDone || in.AfterCall == nil {
			afterCallDone = true
			return
		}
		afterCallDone = true
		func() {
			defer func() { recover() }() // a hook failure must not fail the transaction
			in.AfterCall(success)
		}()
	}

	if in.BeforeCall != nil {
		func() {
			defer func() { recover() }()
			in.BeforeCall()
		}()
	}

	result, err := run(ctx, deps, in, emit)
	close(events)

	runAfterCall(err == nil)
	return result, events, err
}

func run(ctx context.Context, deps Deps, in Input, emit func(ProgressEvent)) (*Result, error) {
	// Phase 1: PREPARATION
	emit(ProgressEvent{Phase: PhasePreparation, Status: StatusOK, Message: "validating input"})
	if err := checkCancelled(ctx, PhasePreparation, emit); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		emit(ProgressEvent{Phase: PhasePreparation, Status: StatusError, Message: err.Error()})
		return nil, err
	}
	user, err := deps.Users.LoadUser(ctx, in.AccountID)
	if err != nil {
		emit(ProgressEvent{Phase: PhasePreparation, Status: StatusError, Message: err.Error()})
		return nil, svcerr.Wrap(svcerr.CodePrecondition, "load user record", err)
	}

	// Phase 2: GENERATING_CHALLENGE / USER_CONFIRMATION
	emit(ProgressEvent{Phase: PhaseGeneratingChallenge, Status: StatusOK, Message: "checking vrf worker"})
	if err := checkCancelled(ctx, PhaseGeneratingChallenge, emit); err != nil {
		return nil, err
	}
	active, err := deps.VRFWorker.IsActive(ctx)
	if err != nil {
		emit(ProgressEvent{Phase: PhaseGeneratingChallenge, Status: StatusError, Message: err.Error()})
		return nil, err
	}
	if !active {
		vrfErr := svcerr.New(svcerr.CodeVRFLocked, "vrf worker is not active for this account")
		emit(ProgressEvent{Phase: PhaseGeneratingChallenge, Status: StatusError, Message: vrfErr.Error()})
		return nil, vrfErr
	}
	challenge, err := deps.VRFWorker.Challenge(ctx, string(in.AccountID), in.RPID, in.RecentBlockHash, in.RecentBlockHeight)
	if err != nil {
		emit(ProgressEvent{Phase: PhaseGeneratingChallenge, Status: StatusError, Message: err.Error()})
		return nil, err
	}

	// Phase 3: WEBAUTHN_AUTHENTICATION
	emit(ProgressEvent{Phase: PhaseWebAuthnAuth, Status: StatusOK, Message: "requesting assertion"})
	if err := checkCancelled(ctx, PhaseWebAuthnAuth, emit); err != nil {
		return nil, err
	}
	assertion, err := deps.Credentials.GetAssertion(ctx, credential.RequestOptions{
		RPID:             in.RPID,
		Challenge:        challenge.VRFOutput[:],
		PRFSaltSignature: []byte("near-signer/kek/v1"),
		PRFSaltVRF:       []byte("near-signer/vrf-seed/v1"),
	})
	if err != nil {
		emit(ProgressEvent{Phase: PhaseWebAuthnAuth, Status: StatusError, Message: err.Error()})
		return nil, err
	}

	// Phase 4: AUTHENTICATION_COMPLETE
	emit(ProgressEvent{Phase: PhaseAuthComplete, Status: StatusOK, Message: "authentication complete"})

	kek, err := cryptocore.DeriveKEK(assertion.PRFOutputSignature, string(in.AccountID), "near-signer/kek/v1")
	if err != nil {
		return nil, err
	}
	seed, err := cryptocore.DecryptPrivateKey(kek, user.EncryptedKeypair.Nonce, user.EncryptedKeypair.Ciphertext, string(in.AccountID))
	if err != nil {
		return nil, err
	}
	kp := cryptocore.NewKeyPairFromSeed(seed)

	// Phase 5: TRANSACTION_SIGNING_PROGRESS
	emit(ProgressEvent{Phase: PhaseSigningProgress, Status: StatusOK, Message: "signing transactions"})
	if err := checkCancelled(ctx, PhaseSigningProgress, emit); err != nil {
		return nil, err
	}

	_, nonces, err := deps.Nonces.ReserveNonces(ctx, in.AccountID, user.NearPublicKey, len(in.Transactions))
	if err != nil {
		emit(ProgressEvent{Phase: PhaseSigningProgress, Status: StatusError, Message: err.Error()})
		return nil, err
	}

	signed := make([]types.SignedTransaction, 0, len(in.Transactions))
	for i, txReq := range in.Transactions {
		tx := types.Transaction{
			SignerID:   in.AccountID,
			PublicKey:  user.NearPublicKey,
			Nonce:      nonces[i],
			ReceiverID: txReq.ReceiverID,
			BlockHash:  in.RecentBlockHash,
			Actions:    txReq.Actions,
		}
		st, err := deps.Signer.SignWithActions(ctx, kp, tx, nil)
		if err != nil {
			emit(ProgressEvent{Phase: PhaseSigningProgress, Status: StatusError, Message: err.Error()})
			return nil, svcerr.Wrap(svcerr.CodeSignFail, "sign transaction", err)
		}
		signed = append(signed, st)
	}

	// Phase 6: TRANSACTION_SIGNING_COMPLETE
	emit(ProgressEvent{Phase: PhaseSigningComplete, Status: StatusOK, Message: "all transactions signed"})

	// Phase 7: BROADCASTING
	emit(ProgressEvent{Phase: PhaseBroadcasting, Status: StatusOK, Message: "broadcasting"})
	if err := checkCancelled(ctx, PhaseBroadcasting, emit); err != nil {
		return nil, err
	}

	results, err := broadcastAll(ctx, deps.Chain, signed, in.WaitUntil, in.ExecuteSequentially)
	if err != nil {
		emit(ProgressEvent{Phase: PhaseBroadcasting, Status: StatusError, Message: err.Error()})
		return nil, err
	}

	// Phase 8: ACTION_COMPLETE
	emit(ProgressEvent{Phase: PhaseActionComplete, Status: StatusOK, Message: "done"})

	return &Result{SignedTransactions: signed, BroadcastResults: results}, nil
}

func checkCancelled(ctx context.Context, phase string, emit func(ProgressEvent)) error {
	if err := ctx.Err(); err != nil {
		emit(ProgressEvent{Phase: phase, Status: StatusError, Message: "cancelled"})
		return err
	}
	return nil
}

func validateInput(in Input) error {
	if in.AccountID == "" || !in.AccountID.Valid() {
		return svcerr.New(svcerr.CodeAccountIDInvalid, "account id is invalid")
	}
	if len(in.Transactions) == 0 {
		return svcerr.New(svcerr.CodeInputInvalid, "at least one transaction is required")
	}
	for _, tx := range in.Transactions {
		if tx.ReceiverID == "" {
			return svcerr.New(svcerr.CodeInputInvalid, "transaction receiver is required")
		}
		if len(tx.Actions) == 0 {
			return svcerr.New(svcerr.CodeInputInvalid, "transaction must have at least one action")
		}
		for _, a := range tx.Actions {
			if err := a.Validate(); err != nil {
				return svcerr.Wrap(svcerr.CodeActionInvalid, "validate action", err)
			}
		}
	}
	return nil
}

func broadcastAll(ctx context.Context, bc Broadcaster, signed []types.SignedTransaction, waitUntil types.WaitUntil, sequential bool) ([]chain.SendTxResult, error) {
	results := make([]chain.SendTxResult, len(signed))

	if sequential {
		for i, st := range signed {
			res, err := bc.SendTransaction(ctx, st.BorshBytes, waitUntil)
			if err != nil {
				return nil, err
			}
			results[i] = res
		}
		return results, nil
	}

	type outcome struct {
		idx int
		res chain.SendTxResult
		err error
	}
	outcomes := make(chan outcome, len(signed))
	for i, st := range signed {
		go func(idx int, borshBytes []byte) {
			res, err := bc.SendTransaction(ctx, borshBytes, waitUntil)
			outcomes <- outcome{idx: idx, res: res, err: err}
		}(i, st.BorshBytes)
	}

	var firstErr error
	for range signed {
		o := <-outcomes
		if o.err != nil && firstErr == nil {
			firstErr = o.err
		}
		results[o.idx] = o.res
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
