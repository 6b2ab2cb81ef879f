// Package types holds the data model shared across the signer core:
// account identifiers, keys, transactions, and the tagged Action union.
// Every other package imports types instead of each other to avoid cycles.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// accountIDPattern matches spec.md's Account Identifier grammar: 2-64 chars,
// lowercase alnum plus "_.-".
var accountIDPattern = regexp.MustCompile(`^[a-z0-9_.-]{2,64}$`)

// AccountID is a dotted NEAR-style account identifier, immutable once created.
type AccountID string

// Valid reports whether the account id matches the required format.
func (a AccountID) Valid() bool {
	return accountIDPattern.MatchString(string(a))
}

func (a AccountID) String() string { return string(a) }

// NearPublicKey is "ed25519:<base58 32 bytes>".
type NearPublicKey string

// NearPrivateKey is "ed25519:<base58 64 bytes = seed || pubkey>". It only
// ever exists as plaintext inside a Signer Worker call.
type NearPrivateKey string

// EncryptedKeypair is an AEAD ciphertext over a 32-byte Ed25519 seed.
type EncryptedKeypair struct {
	AccountID  AccountID
	Nonce      [12]byte
	Ciphertext []byte
}

// VRFKeypair is a 32-byte VRF seed plus its 32-byte public key, encrypted at
// rest analogously to EncryptedKeypair. ServerLocked holds the Shamir
// client+server co-locked KEK blob when this keypair has been escrowed with
// the relay (see ShamirKEK).
type VRFKeypair struct {
	AccountID    AccountID
	Nonce        [12]byte
	Ciphertext   []byte
	PublicKey    [32]byte
	ServerLocked bool
}

// VRFChallenge is produced fresh before every authentication ceremony and
// expires with the block it binds.
type VRFChallenge struct {
	UserID       string
	RPID         string
	BlockHash    [32]byte
	BlockHeight  uint64
	VRFInput     []byte
	VRFOutput    [64]byte
	VRFProof     []byte
	VRFPublicKey [32]byte
}

// AuthenticatorRecord is keyed by (account, credential_id) and is immutable
// after first store; DeviceNumber is contract-assigned and must never change.
type AuthenticatorRecord struct {
	AccountID           AccountID
	CredentialID         string
	CredentialPublicKey []byte
	Transports          []string
	DeviceNumber        uint32
	VRFPublicKeys       [][32]byte
	RegisteredAt        time.Time
}

// Permission is the tagged union of access key permissions.
type Permission interface{ isPermission() }

// FullAccessPermission grants unrestricted use of the key.
type FullAccessPermission struct{}

func (FullAccessPermission) isPermission() {}

// FunctionCallPermission restricts the key to calling specific methods on a
// receiver, optionally capped by an allowance.
type FunctionCallPermission struct {
	Allowance   *string // string-encoded big integer, yocto units
	ReceiverID  string
	MethodNames []string
}

func (FunctionCallPermission) isPermission() {}

// AccessKeyView is a read-only projection of on-chain access key state.
type AccessKeyView struct {
	Nonce      uint64
	Permission Permission
}

// ActionKind discriminates the Action tagged union.
type ActionKind int

const (
	ActionCreateAccount ActionKind = iota
	ActionDeployContract
	ActionFunctionCall
	ActionTransfer
	ActionStake
	ActionAddKey
	ActionDeleteKey
	ActionDeleteAccount
)

// Action is the sealed tagged sum of on-chain effects within a transaction.
// Modeled as an interface implemented by one struct per kind and switched on
// Kind() — never via an inheritance hierarchy (see spec REDESIGN FLAGS).
type Action interface {
	Kind() ActionKind
	Validate() error
}

type CreateAccountAction struct{}

func (CreateAccountAction) Kind() ActionKind { return ActionCreateAccount }
func (CreateAccountAction) Validate() error  { return nil }

type DeployContractAction struct {
	Code []byte
}

func (a DeployContractAction) Kind() ActionKind { return ActionDeployContract }
func (a DeployContractAction) Validate() error {
	if len(a.Code) == 0 {
		return fmt.Errorf("deploy contract: code is required")
	}
	return nil
}

type FunctionCallAction struct {
	MethodName string
	ArgsJSON   []byte
	Gas        uint64
	Deposit    string // yocto, string-encoded big integer
}

func (a FunctionCallAction) Kind() ActionKind { return ActionFunctionCall }
func (a FunctionCallAction) Validate() error {
	if a.MethodName == "" {
		return fmt.Errorf("function call: methodName is required")
	}
	if a.ArgsJSON == nil {
		return fmt.Errorf("function call: args is required")
	}
	return nil
}

type TransferAction struct {
	Deposit string // yocto
}

func (a TransferAction) Kind() ActionKind { return ActionTransfer }
func (a TransferAction) Validate() error {
	if a.Deposit == "" {
		return fmt.Errorf("transfer: amount is required")
	}
	return nil
}

type StakeAction struct {
	Stake     string
	PublicKey NearPublicKey
}

func (a StakeAction) Kind() ActionKind { return ActionStake }
func (a StakeAction) Validate() error {
	if a.PublicKey == "" {
		return fmt.Errorf("stake: public key is required")
	}
	return nil
}

type AddKeyAction struct {
	PublicKey    NearPublicKey
	AccessKey    AccessKeyView
}

func (a AddKeyAction) Kind() ActionKind { return ActionAddKey }
func (a AddKeyAction) Validate() error {
	if a.PublicKey == "" {
		return fmt.Errorf("add key: public key is required")
	}
	return nil
}

type DeleteKeyAction struct {
	PublicKey NearPublicKey
}

func (a DeleteKeyAction) Kind() ActionKind { return ActionDeleteKey }
func (a DeleteKeyAction) Validate() error {
	if a.PublicKey == "" {
		return fmt.Errorf("delete key: public key is required")
	}
	return nil
}

type DeleteAccountAction struct {
	BeneficiaryID AccountID
}

func (a DeleteAccountAction) Kind() ActionKind { return ActionDeleteAccount }
func (a DeleteAccountAction) Validate() error {
	if a.BeneficiaryID == "" {
		return fmt.Errorf("delete account: beneficiary id is required")
	}
	return nil
}

// Transaction is the unsigned transaction envelope. Nonces are strictly
// increasing per public key; for a batch, nonces are base, base+1, ...
type Transaction struct {
	SignerID    AccountID
	PublicKey   NearPublicKey
	Nonce       uint64
	ReceiverID  AccountID
	BlockHash   [32]byte
	Actions     []Action
}

// SignedTransaction carries the authoritative canonical encoding plus the
// Ed25519 signature that binds it.
type SignedTransaction struct {
	Transaction Transaction
	Signature   [64]byte
	BorshBytes  []byte
}

// SigningContext is produced by the Nonce Manager and consumed by the
// orchestrator to build a Transaction.
type SigningContext struct {
	NearPublicKey NearPublicKey
	AccessKey     AccessKeyView
	NextNonce     uint64
	BlockHash     [32]byte
	BlockHeight   uint64
	CapturedAt    time.Time
}

// KEKState is the lifecycle of a Shamir-escrowed key-encryption-key.
type KEKState int

const (
	KEKClientLocked KEKState = iota // kek_c
	KEKCoLocked                     // kek_cs
	KEKUnlocked                     // kek_s (plaintext, client side only)
)

// SessionPolicy describes a session-signed flow's scope and lifetime.
type SessionPolicy struct {
	Version        int
	AccountID      AccountID
	RPID           string
	RelayerKeyID   string
	SessionID      string
	TTLMillis      int64
	RemainingUses  int
}

// WaitUntil mirrors the chain's send_tx inclusion depth options.
type WaitUntil string

const (
	WaitNone               WaitUntil = "NONE"
	WaitIncluded           WaitUntil = "INCLUDED"
	WaitIncludedFinal      WaitUntil = "INCLUDED_FINAL"
	WaitExecuted           WaitUntil = "EXECUTED"
	WaitFinal              WaitUntil = "FINAL"
	WaitExecutedOptimistic WaitUntil = "EXECUTED_OPTIMISTIC"
)
