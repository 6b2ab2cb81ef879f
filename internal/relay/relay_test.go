package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mr-tron/base58"

	"github.com/nearkey/signer-core/internal/chain"
	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/nonce"
	"github.com/nearkey/signer-core/internal/signerworker"
	"github.com/nearkey/signer-core/internal/txqueue"
	"github.com/nearkey/signer-core/internal/types"
)

// fakeChain is an in-memory stand-in for the on-chain surface, letting
// tests script view_account/call_function/send_tx outcomes without a real
// RPC endpoint.
type fakeChain struct {
	mu sync.Mutex

	viewAccountErr  error
	callFunctionOut json.RawMessage
	callFunctionErr error
	sendTxResult    chain.SendTxResult
	sendTxErr       error

	sendTxCalls int
}

func (f *fakeChain) ViewAccount(ctx context.Context, accountID types.AccountID) (chain.AccountView, error) {
	if f.viewAccountErr != nil {
		return chain.AccountView{}, f.viewAccountErr
	}
	return chain.AccountView{}, nil
}

func (f *fakeChain) CallFunction(ctx context.Context, contractID types.AccountID, methodName string, argsJSON []byte) (json.RawMessage, error) {
	if f.callFunctionErr != nil {
		return nil, f.callFunctionErr
	}
	return f.callFunctionOut, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, signedBorshBytes []byte, waitUntil types.WaitUntil) (chain.SendTxResult, error) {
	f.mu.Lock()
	f.sendTxCalls++
	f.mu.Unlock()
	if f.sendTxErr != nil {
		return chain.SendTxResult{}, f.sendTxErr
	}
	return f.sendTxResult, nil
}

func (f *fakeChain) ViewAccessKey(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) (types.AccessKeyView, error) {
	return types.AccessKeyView{Nonce: 10, Permission: types.FullAccessPermission{}}, nil
}

func (f *fakeChain) ViewBlock(ctx context.Context, finality string) (chain.BlockView, error) {
	var bv chain.BlockView
	bv.Header.Hash = "11111111111111111111111111111111"
	bv.Header.Height = 100
	return bv, nil
}

// fakeStore is an in-memory stand-in for AccountStore.
type fakeStore struct {
	mu       sync.Mutex
	created  map[types.AccountID]types.NearPublicKey
	auditLog []auditEntry
}

type auditEntry struct {
	accountID types.AccountID
	operation string
	outcome   string
	detail    string
}

func newFakeStore() *fakeStore {
	return &fakeStore{created: make(map[types.AccountID]types.NearPublicKey)}
}

func (s *fakeStore) RecordAccountCreated(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created[accountID] = publicKey
	return nil
}

func (s *fakeStore) AccountRecordExists(ctx context.Context, accountID types.AccountID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.created[accountID]
	return ok, nil
}

func (s *fakeStore) RecordAudit(ctx context.Context, accountID types.AccountID, operation, outcome, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, auditEntry{accountID, operation, outcome, detail})
	return nil
}

// testRelayerKeypair returns a throwaway 32-byte seed encoded the way a NEAR key
// file would, usable as a valid Config.RelayerPrivateKey in tests.
func testRelayerKeypair() (string, cryptocore.KeyPair) {
	seed := [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	kp := cryptocore.NewKeyPairFromSeed(seed)
	encoded := "ed25519:" + base58.Encode(seed[:])
	return encoded, kp
}

func newTestService(t interface {
	Helper()
	Fatal(...interface{})
}, fc *fakeChain, fs *fakeStore) *Service {
	t.Helper()
	encoded, _ := testRelayerKeypair()
	cfg := Config{
		RelayerAccountID:      "relayer.testnet",
		RelayerPrivateKey:     encoded,
		WebAuthnContractID:    "webauthn.testnet",
		NetworkID:             "testnet",
		AccountInitialBalance: "1000000000000000000000000",
		CreateAndRegisterGas:  100000000000000,
	}
	svc, err := New(cfg, Deps{
		Chain:  fc,
		Nonces: nonce.NewManager(fc),
		Signer: signerworker.Start(context.Background()),
		Queue:  txqueue.New(nil),
		Store:  fs,
	})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}
