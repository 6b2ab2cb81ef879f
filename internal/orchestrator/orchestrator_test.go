package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearkey/signer-core/internal/chain"
	"github.com/nearkey/signer-core/internal/credential"
	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/signerworker"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
	"github.com/nearkey/signer-core/internal/vrfworker"
)

type fakeUserStore struct {
	record UserRecord
	err    error
}

func (f fakeUserStore) LoadUser(ctx context.Context, accountID types.AccountID) (UserRecord, error) {
	return f.record, f.err
}

type fakeNonceSource struct {
	base uint64
}

func (f fakeNonceSource) ReserveNonces(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey, count int) (types.SigningContext, []uint64, error) {
	nonces := make([]uint64, count)
	for i := range nonces {
		nonces[i] = f.base + uint64(i)
	}
	return types.SigningContext{NextNonce: f.base}, nonces, nil
}

type fakeBroadcaster struct {
	fail bool
}

func (f fakeBroadcaster) SendTransaction(ctx context.Context, signedBorshBytes []byte, waitUntil types.WaitUntil) (chain.SendTxResult, error) {
	if f.fail {
		return chain.SendTxResult{}, svcerr.New(svcerr.CodeTxFailure, "broadcast failed")
	}
	return chain.SendTxResult{TransactionHash: "hash"}, nil
}

func setup(t *testing.T) (context.Context, context.CancelFunc, Deps, types.AccountID, cryptocore.KeyPair) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	kp, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	var pub [32]byte
	copy(pub[:], kp.PublicKey)
	pubKey := types.NearPublicKey(cryptocore.EncodePublicKey(pub))

	accountID := types.AccountID("alice.near")

	// Derive the KEK the same way the orchestrator will: by asking the
	// fixture credential provider for the deterministic PRF output it
	// would produce during the real WEBAUTHN_AUTHENTICATION phase.
	fixture := &credential.Fixture{}
	assertion, err := fixture.GetAssertion(ctx, credential.RequestOptions{
		PRFSaltSignature: []byte("near-signer/kek/v1"),
		PRFSaltVRF:       []byte("near-signer/vrf-seed/v1"),
	})
	require.NoError(t, err)
	kek, err := cryptocore.DeriveKEK(assertion.PRFOutputSignature, string(accountID), "near-signer/kek/v1")
	require.NoError(t, err)
	nonceArr, ciphertext, err := cryptocore.EncryptPrivateKey(kek, kp.Seed, string(accountID))
	require.NoError(t, err)

	users := fakeUserStore{record: UserRecord{
		NearPublicKey: pubKey,
		EncryptedKeypair: types.EncryptedKeypair{
			AccountID:  accountID,
			Nonce:      nonceArr,
			Ciphertext: ciphertext,
		},
	}}

	vrfKp, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	vw := vrfworker.Start(ctx)
	require.NoError(t, vw.Unlock(ctx, string(accountID), vrfKp))

	deps := Deps{
		VRFWorker:   vw,
		Credentials: fixture,
		Signer:      signerworker.Start(ctx),
		Nonces:      fakeNonceSource{base: 5},
		Chain:       fakeBroadcaster{},
		Users:       users,
	}

	return ctx, cancel, deps, accountID, kp
}

func basicInput(accountID types.AccountID) Input {
	return Input{
		AccountID: accountID,
		RPID:      "example.near",
		Transactions: []TxRequest{
			{ReceiverID: "bob.near", Actions: []types.Action{types.TransferAction{Deposit: "1000"}}},
		},
		WaitUntil: types.WaitExecuted,
	}
}

func TestRun_HappyPath_EmitsPhasesInOrder(t *testing.T) {
	ctx, cancel, deps, accountID, _ := setup(t)
	defer cancel()

	result, events, err := Run(ctx, deps, basicInput(accountID))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Len(t, result.SignedTransactions, 1)
	assert.Len(t, result.BroadcastResults, 1)

	var phases []string
	for ev := range events {
		if ev.Status == StatusOK {
			phases = append(phases, ev.Phase)
		}
	}
	assert.Equal(t, []string{
		PhasePreparation,
		PhaseGeneratingChallenge,
		PhaseWebAuthnAuth,
		PhaseAuthComplete,
		PhaseSigningProgress,
		PhaseSigningComplete,
		PhaseBroadcasting,
		PhaseActionComplete,
	}, phases)
}

func TestRun_BeforeAndAfterCallHooksRunExactlyOnce(t *testing.T) {
	ctx, cancel, deps, accountID, _ := setup(t)
	defer cancel()

	var beforeCalls, afterCalls int
	var afterSuccess bool
	in := basicInput(accountID)
	in.BeforeCall = func() { beforeCalls++ }
	in.AfterCall = func(success bool) { afterCalls++; afterSuccess = success }

	_, events, err := Run(ctx, deps, in)
	require.NoError(t, err)
	for range events {
	}

	assert.Equal(t, 1, beforeCalls)
	assert.Equal(t, 1, afterCalls)
	assert.True(t, afterSuccess)
}

func TestRun_AfterCallHookPanicDoesNotFailTransaction(t *testing.T) {
	ctx, cancel, deps, accountID, _ := setup(t)
	defer cancel()

	in := basicInput(accountID)
	in.AfterCall = func(success bool) { panic("hook exploded") }

	result, events, err := Run(ctx, deps, in)
	require.NoError(t, err)
	require.NotNil(t, result)
	for range events {
	}
}

func TestRun_VRFLockedFailsAtGeneratingChallenge(t *testing.T) {
	ctx, cancel, deps, accountID, _ := setup(t)
	defer cancel()

	require.NoError(t, deps.VRFWorker.Lock(ctx))

	_, events, err := Run(ctx, deps, basicInput(accountID))
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeVRFLocked, svcErr.Code)

	var lastEvent ProgressEvent
	for ev := range events {
		lastEvent = ev
	}
	assert.Equal(t, PhaseGeneratingChallenge, lastEvent.Phase)
	assert.Equal(t, StatusError, lastEvent.Status)
}

func TestRun_InvalidAccountIDFailsAtPreparation(t *testing.T) {
	ctx, cancel, deps, _, _ := setup(t)
	defer cancel()

	in := basicInput("")
	_, _, err := Run(ctx, deps, in)
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeAccountIDInvalid, svcErr.Code)
}

func TestRun_CredentialDeniedFailsAtWebAuthn(t *testing.T) {
	ctx, cancel, deps, accountID, _ := setup(t)
	defer cancel()
	deps.Credentials = &credential.Fixture{Deny: true}

	_, _, err := Run(ctx, deps, basicInput(accountID))
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeCredentialDenied, svcErr.Code)
}

func TestRun_BroadcastFailurePropagates(t *testing.T) {
	ctx, cancel, deps, accountID, _ := setup(t)
	defer cancel()
	deps.Chain = fakeBroadcaster{fail: true}

	_, _, err := Run(ctx, deps, basicInput(accountID))
	require.Error(t, err)
}

func TestRun_BatchNonceContiguity(t *testing.T) {
	ctx, cancel, deps, accountID, _ := setup(t)
	defer cancel()

	in := basicInput(accountID)
	in.Transactions = []TxRequest{
		{ReceiverID: "bob.near", Actions: []types.Action{types.TransferAction{Deposit: "1"}}},
		{ReceiverID: "carol.near", Actions: []types.Action{types.TransferAction{Deposit: "2"}}},
		{ReceiverID: "dave.near", Actions: []types.Action{types.TransferAction{Deposit: "3"}}},
	}

	result, events, err := Run(ctx, deps, in)
	require.NoError(t, err)
	for range events {
	}

	require.Len(t, result.SignedTransactions, 3)
	for i, st := range result.SignedTransactions {
		assert.Equal(t, uint64(5+i), st.Transaction.Nonce)
	}
}

func TestRun_AlreadyCancelledContextFailsFast(t *testing.T) {
	ctx, cancel, deps, accountID, _ := setup(t)
	cancel()

	_, _, err := Run(ctx, deps, basicInput(accountID))
	require.Error(t, err)
}
