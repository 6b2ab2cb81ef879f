package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// VerifyAuthenticationRequest is the input to VerifyAuthentication.
type VerifyAuthenticationRequest struct {
	AccountID              types.AccountID
	VRFData                json.RawMessage
	WebAuthnAuthentication json.RawMessage
}

// VerifyAuthenticationResult mirrors the contract's
// verify_authentication_response shape plus the session credential the
// relay issues on success.
type VerifyAuthenticationResult struct {
	Verified         bool
	SessionCredential string
}

type verifyAuthArgs struct {
	VRFData                json.RawMessage `json:"vrf_data"`
	WebAuthnAuthentication json.RawMessage `json:"webauthn_authentication"`
}

type verifyAuthContractResponse struct {
	Verified bool `json:"verified"`
}

// VerifyAuthentication performs a read-only call to the WebAuthn
// contract's verify_authentication_response method and, on a verified
// response, issues a session credential via the Session Service so the
// caller doesn't need a second round trip to mint one. Unlike the other
// two operations this never touches the transaction queue: it is a view
// call, not a broadcast.
func (s *Service) VerifyAuthentication(ctx context.Context, req VerifyAuthenticationRequest) (result VerifyAuthenticationResult, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.recordOperation("verify_authentication", status, start)
	}()

	if !req.AccountID.Valid() {
		return VerifyAuthenticationResult{}, svcerr.New(svcerr.CodeAccountIDInvalid, "invalid account id")
	}
	if len(req.VRFData) == 0 || len(req.WebAuthnAuthentication) == 0 {
		return VerifyAuthenticationResult{}, svcerr.New(svcerr.CodeInputInvalid, "vrf_data and webauthn_authentication are required")
	}

	argsJSON, err := json.Marshal(verifyAuthArgs{VRFData: req.VRFData, WebAuthnAuthentication: req.WebAuthnAuthentication})
	if err != nil {
		return VerifyAuthenticationResult{}, svcerr.Wrap(svcerr.CodeInputInvalid, "encode contract args", err)
	}

	raw, err := s.chain.CallFunction(ctx, s.cfg.WebAuthnContractID, "verify_authentication_response", argsJSON)
	if err != nil {
		s.audit(ctx, req.AccountID, "verify_authentication", "failed", err.Error())
		return VerifyAuthenticationResult{}, err
	}

	var resp verifyAuthContractResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return VerifyAuthenticationResult{}, svcerr.Wrap(svcerr.CodeTxFailure, "decode verify_authentication_response", err)
	}

	if !resp.Verified {
		s.audit(ctx, req.AccountID, "verify_authentication", "denied", "")
		return VerifyAuthenticationResult{Verified: false}, nil
	}

	result = VerifyAuthenticationResult{Verified: true}
	if s.session != nil {
		token, signErr := s.session.Sign(string(req.AccountID), nil)
		if signErr != nil {
			return VerifyAuthenticationResult{}, signErr
		}
		result.SessionCredential = token
	}

	s.audit(ctx, req.AccountID, "verify_authentication", "ok", "")
	return result, nil
}
