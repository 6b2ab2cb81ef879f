package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nearkey/signer-core/internal/chain"
	"github.com/nearkey/signer-core/internal/resilience"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// CreateAccountRequest is the input to CreateAccount.
type CreateAccountRequest struct {
	AccountID types.AccountID
	PublicKey types.NearPublicKey
}

// CreateAccountResult reports the outcome of a successful CreateAccount.
type CreateAccountResult struct {
	AccountID       types.AccountID
	TransactionHash string
}

// CreateAccount builds and broadcasts a [CreateAccount, Transfer, AddKey]
// transaction funding req.AccountID's initial balance and installing
// req.PublicKey as a full-access key, using the relayer's own account as
// both signer and gas payer. Rejects invalid account ids outright and
// fails if the account already exists, detected via view_account with
// retry/backoff and a heuristic mapping of "account does not exist" RPC
// errors to "does not exist" rather than a transport failure.
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (result CreateAccountResult, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.recordOperation("create_account", status, start)
	}()

	if !req.AccountID.Valid() {
		return CreateAccountResult{}, svcerr.New(svcerr.CodeAccountIDInvalid, "invalid account id")
	}
	if req.PublicKey == "" {
		return CreateAccountResult{}, svcerr.New(svcerr.CodeInputInvalid, "public key is required")
	}

	exists, err := s.accountExists(ctx, req.AccountID)
	if err != nil {
		return CreateAccountResult{}, err
	}
	if exists {
		s.audit(ctx, req.AccountID, "create_account", "rejected", "account already exists")
		return CreateAccountResult{}, svcerr.New(svcerr.CodeAccountAlreadyExists, "account already exists")
	}

	actions := []types.Action{
		types.CreateAccountAction{},
		types.TransferAction{Deposit: s.cfg.AccountInitialBalance},
		types.AddKeyAction{
			PublicKey: req.PublicKey,
			AccessKey: types.AccessKeyView{Permission: types.FullAccessPermission{}},
		},
	}

	out, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return s.buildAndBroadcast(ctx, req.AccountID, actions)
	})
	if err != nil {
		s.audit(ctx, req.AccountID, "create_account", "failed", err.Error())
		return CreateAccountResult{}, err
	}
	broadcastResult := out.(chain.SendTxResult)

	if err := s.store.RecordAccountCreated(ctx, req.AccountID, req.PublicKey); err != nil {
		s.log.WithField("account_id", string(req.AccountID)).Warn("record account created failed")
	}
	s.audit(ctx, req.AccountID, "create_account", "ok", broadcastResult.TransactionHash)

	return CreateAccountResult{AccountID: req.AccountID, TransactionHash: broadcastResult.TransactionHash}, nil
}

// accountExists checks view_account with retry/backoff, mapping
// CodeAccountDoesNotExist to (false, nil) and every other error to a
// transport failure rather than a definitive "does not exist".
func (s *Service) accountExists(ctx context.Context, accountID types.AccountID) (bool, error) {
	var notFound bool
	err := resilience.Do(ctx, s.retryCfg, isTransientRPCError, func(ctx context.Context) error {
		_, viewErr := s.chain.ViewAccount(ctx, accountID)
		if viewErr == nil {
			return nil
		}
		if svcErr, ok := svcerr.As(viewErr); ok && svcErr.Code == svcerr.CodeAccountDoesNotExist {
			notFound = true
			return nil
		}
		return viewErr
	})
	if err != nil {
		return false, err
	}
	return !notFound, nil
}

// isTransientRPCError classifies errors worth retrying: any non-nil error
// that is not svcerr's definitive "account does not exist" marker, since
// that one is a conclusive answer rather than a transient failure.
func isTransientRPCError(err error) bool {
	if err == nil {
		return false
	}
	svcErr, ok := svcerr.As(err)
	if !ok {
		return true
	}
	return svcErr.Code != svcerr.CodeAccountDoesNotExist
}

// CreateAccountAndRegisterRequest is the input to
// CreateAccountAndRegisterUser.
type CreateAccountAndRegisterRequest struct {
	NewAccountID              types.AccountID
	NewPublicKey              types.NearPublicKey
	VRFData                   []byte // opaque JSON, passed through to the contract verbatim
	WebAuthnRegistration      []byte
	DeterministicVRFPublicKey types.NearPublicKey
	AuthenticatorOptions      []byte // contract-defined, taken verbatim
	Deposit                   string // yocto
}

// CreateAccountAndRegisterResult reports the outcome of a successful
// CreateAccountAndRegisterUser call.
type CreateAccountAndRegisterResult struct {
	AccountID       types.AccountID
	TransactionHash string
}

type createAndRegisterArgs struct {
	NewAccountID              string          `json:"new_account_id"`
	NewPublicKey              string          `json:"new_public_key"`
	VRFData                   json.RawMessage `json:"vrf_data"`
	WebAuthnRegistration      json.RawMessage `json:"webauthn_registration"`
	DeterministicVRFPublicKey string          `json:"deterministic_vrf_public_key"`
	AuthenticatorOptions      json.RawMessage `json:"authenticator_options,omitempty"`
}

// CreateAccountAndRegisterUser issues a single FunctionCall with an
// attached deposit to the WebAuthn contract's
// create_account_and_register_user method, a single atomic on-chain step
// combining account creation and authenticator registration. The resulting
// receipts and logs are parsed for ActionError variants and known panic
// markers so the caller gets a typed, specific failure rather than a
// generic broadcast error.
func (s *Service) CreateAccountAndRegisterUser(ctx context.Context, req CreateAccountAndRegisterRequest) (result CreateAccountAndRegisterResult, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.recordOperation("create_account_and_register_user", status, start)
	}()

	if !req.NewAccountID.Valid() {
		return CreateAccountAndRegisterResult{}, svcerr.New(svcerr.CodeAccountIDInvalid, "invalid account id")
	}
	if req.NewPublicKey == "" || len(req.VRFData) == 0 || len(req.WebAuthnRegistration) == 0 {
		return CreateAccountAndRegisterResult{}, svcerr.New(svcerr.CodeInputInvalid, "vrf_data, webauthn_registration and new_public_key are required")
	}

	args := createAndRegisterArgs{
		NewAccountID:              string(req.NewAccountID),
		NewPublicKey:              string(req.NewPublicKey),
		VRFData:                   req.VRFData,
		WebAuthnRegistration:      req.WebAuthnRegistration,
		DeterministicVRFPublicKey: string(req.DeterministicVRFPublicKey),
		AuthenticatorOptions:      req.AuthenticatorOptions,
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return CreateAccountAndRegisterResult{}, svcerr.Wrap(svcerr.CodeInputInvalid, "encode contract args", err)
	}

	deposit := req.Deposit
	if deposit == "" {
		deposit = s.cfg.AccountInitialBalance
	}

	actions := []types.Action{
		types.FunctionCallAction{
			MethodName: "create_account_and_register_user",
			ArgsJSON:   argsJSON,
			Gas:        s.cfg.CreateAndRegisterGas,
			Deposit:    deposit,
		},
	}

	out, err := s.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return s.buildAndBroadcast(ctx, s.cfg.WebAuthnContractID, actions)
	})
	if err != nil {
		s.audit(ctx, req.NewAccountID, "create_account_and_register_user", "failed", err.Error())
		return CreateAccountAndRegisterResult{}, err
	}
	broadcastResult := out.(chain.SendTxResult)

	if classified := classifyReceiptStatus(broadcastResult.Status); classified != nil {
		s.audit(ctx, req.NewAccountID, "create_account_and_register_user", "failed", classified.Error())
		return CreateAccountAndRegisterResult{}, classified
	}

	if err := s.store.RecordAccountCreated(ctx, req.NewAccountID, req.NewPublicKey); err != nil {
		s.log.WithField("account_id", string(req.NewAccountID)).Warn("record account created failed")
	}
	s.audit(ctx, req.NewAccountID, "create_account_and_register_user", "ok", broadcastResult.TransactionHash)

	return CreateAccountAndRegisterResult{AccountID: req.NewAccountID, TransactionHash: broadcastResult.TransactionHash}, nil
}
