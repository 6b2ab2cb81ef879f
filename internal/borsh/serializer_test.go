package borsh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/types"
)

func TestSerializer_PrimitivesRoundTrip(t *testing.T) {
	s := NewSerializer()
	s.WriteBool(true)
	s.WriteU8(7)
	s.WriteU32(1234)
	s.WriteU64(9876543210)
	s.WriteString("hello")
	s.WriteBytes([]byte{1, 2, 3})
	require.NoError(t, s.Error())

	d := NewDeserializer(s.Bytes())
	assert.Equal(t, true, d.ReadBool())
	assert.Equal(t, uint8(7), d.ReadU8())
	assert.Equal(t, uint32(1234), d.ReadU32())
	assert.Equal(t, uint64(9876543210), d.ReadU64())
	assert.Equal(t, "hello", d.ReadString())
	assert.Equal(t, []byte{1, 2, 3}, d.ReadBytes())
	require.NoError(t, d.Error())
	assert.Equal(t, 0, d.Remaining())
}

func TestDeserializer_FailsClosedOnTruncatedInput(t *testing.T) {
	d := NewDeserializer([]byte{1, 2})
	_ = d.ReadU64()
	require.Error(t, d.Error())
}

func TestWriteU128_ZeroAndSmallValues(t *testing.T) {
	s := NewSerializer()
	s.WriteU128("0")
	require.NoError(t, s.Error())
	assert.Equal(t, make([]byte, 16), s.Bytes())

	s2 := NewSerializer()
	s2.WriteU128("256")
	require.NoError(t, s2.Error())
	expected := make([]byte, 16)
	expected[1] = 1
	assert.Equal(t, expected, s2.Bytes())
}

func TestWriteU128_RejectsNonDigits(t *testing.T) {
	s := NewSerializer()
	s.WriteU128("12x")
	require.Error(t, s.Error())
}

func TestEncodeTransaction_DeterministicForSameInput(t *testing.T) {
	kp, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	var pub [32]byte
	copy(pub[:], kp.PublicKey)

	tx := types.Transaction{
		SignerID:   "alice.near",
		PublicKey:  types.NearPublicKey(cryptocore.EncodePublicKey(pub)),
		Nonce:      42,
		ReceiverID: "bob.near",
		Actions: []types.Action{
			types.TransferAction{Deposit: "1000000000000000000000000"},
		},
	}

	b1, err := EncodeTransaction(tx)
	require.NoError(t, err)
	b2, err := EncodeTransaction(tx)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.NotEmpty(t, b1)
}

func TestEncodeTransaction_DifferentActionsDifferentBytes(t *testing.T) {
	kp, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	var pub [32]byte
	copy(pub[:], kp.PublicKey)
	pubKey := types.NearPublicKey(cryptocore.EncodePublicKey(pub))

	base := types.Transaction{
		SignerID:   "alice.near",
		PublicKey:  pubKey,
		Nonce:      1,
		ReceiverID: "bob.near",
	}

	txTransfer := base
	txTransfer.Actions = []types.Action{types.TransferAction{Deposit: "5"}}
	txFunctionCall := base
	txFunctionCall.Actions = []types.Action{types.FunctionCallAction{
		MethodName: "do_thing",
		ArgsJSON:   []byte(`{}`),
		Gas:        30_000_000_000_000,
	}}

	b1, err := EncodeTransaction(txTransfer)
	require.NoError(t, err)
	b2, err := EncodeTransaction(txFunctionCall)
	require.NoError(t, err)
	assert.NotEqual(t, b1, b2)
}

func TestWriteBytes_UsesFixedFourByteLengthPrefix(t *testing.T) {
	s := NewSerializer()
	s.WriteBytes([]byte("hi"))
	require.NoError(t, s.Error())
	// u32 LE length (2) followed by the two payload bytes, never a
	// variable-width varint.
	assert.Equal(t, []byte{2, 0, 0, 0, 'h', 'i'}, s.Bytes())
}

func TestEncodeAction_TagIsSingleByte(t *testing.T) {
	s := NewSerializer()
	encodeAction(s, types.TransferAction{Deposit: "0"})
	require.NoError(t, s.Error())
	// Transfer is ordinal 3 in the Action enum; NEAR Borsh tags enums with
	// one byte, not four.
	assert.Equal(t, byte(3), s.Bytes()[0])
	assert.Len(t, s.Bytes(), 1+16) // tag byte + u128 deposit
}

func TestEncodeTransaction_RejectsMalformedPublicKey(t *testing.T) {
	tx := types.Transaction{
		SignerID:   "alice.near",
		PublicKey:  "not-a-valid-key",
		ReceiverID: "bob.near",
		Actions:    []types.Action{types.CreateAccountAction{}},
	}
	_, err := EncodeTransaction(tx)
	require.Error(t, err)
}
