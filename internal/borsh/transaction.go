package borsh

import (
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// EncodeTransaction produces the canonical bytes a transaction's signature
// is computed over: signer, public key, nonce, receiver, block hash, then
// the action sequence, each action tagged by its ActionKind ordinal.
func EncodeTransaction(tx types.Transaction) ([]byte, error) {
	s := NewSerializer()

	s.WriteString(string(tx.SignerID))
	writePublicKey(s, tx.PublicKey)
	s.WriteU64(tx.Nonce)
	s.WriteString(string(tx.ReceiverID))
	s.WriteFixedBytes(tx.BlockHash[:])

	WriteSequence(s, tx.Actions, encodeAction)

	if s.Error() != nil {
		return nil, svcerr.Wrap(svcerr.CodeCryptoInvalid, "encode transaction", s.Error())
	}
	return s.Bytes(), nil
}

func writePublicKey(s *Serializer, pub types.NearPublicKey) {
	raw, err := decodePublicKeyBytes(pub)
	if err != nil {
		s.fail(fmt.Errorf("encode public key %q: %w", pub, err))
		return
	}
	s.WriteU8(0) // curve id 0 == ED25519, mirroring NEAR's KeyType encoding
	s.WriteFixedBytes(raw)
}

func decodePublicKeyBytes(pub types.NearPublicKey) ([]byte, error) {
	const prefix = "ed25519:"
	s := string(pub)
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return nil, fmt.Errorf("public key missing ed25519: prefix")
	}
	decoded, err := base58.Decode(s[len(prefix):])
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("public key must decode to 32 bytes")
	}
	return decoded, nil
}

func encodeAction(s *Serializer, action types.Action) {
	s.WriteU8(uint8(action.Kind()))

	switch a := action.(type) {
	case types.CreateAccountAction:
		// no fields
	case types.DeployContractAction:
		s.WriteBytes(a.Code)
	case types.FunctionCallAction:
		s.WriteString(a.MethodName)
		s.WriteBytes(a.ArgsJSON)
		s.WriteU64(a.Gas)
		s.WriteU128(orZero(a.Deposit))
	case types.TransferAction:
		s.WriteU128(orZero(a.Deposit))
	case types.StakeAction:
		s.WriteU128(orZero(a.Stake))
		writePublicKey(s, a.PublicKey)
	case types.AddKeyAction:
		writePublicKey(s, a.PublicKey)
		s.WriteU64(a.AccessKey.Nonce)
		encodePermission(s, a.AccessKey.Permission)
	case types.DeleteKeyAction:
		writePublicKey(s, a.PublicKey)
	case types.DeleteAccountAction:
		s.WriteString(string(a.BeneficiaryID))
	default:
		// Unreachable for a sealed Action set; surfaced as a serializer
		// error rather than a panic so callers see it via Error().
		s.fail(fmt.Errorf("encode action: unsupported action type %T", action))
	}
}

func encodePermission(s *Serializer, p types.Permission) {
	switch perm := p.(type) {
	case types.FullAccessPermission:
		s.WriteU8(1)
	case types.FunctionCallPermission:
		s.WriteU8(0)
		s.WriteOption(perm.Allowance != nil, func() {
			s.WriteU128(orZero(*perm.Allowance))
		})
		s.WriteString(perm.ReceiverID)
		WriteSequence(s, perm.MethodNames, func(s *Serializer, name string) {
			s.WriteString(name)
		})
	}
}

func orZero(decimal string) string {
	if decimal == "" {
		return "0"
	}
	return decimal
}
