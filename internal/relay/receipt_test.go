package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearkey/signer-core/internal/svcerr"
)

func TestClassifyReceiptStatus_SuccessIsNil(t *testing.T) {
	err := classifyReceiptStatus([]byte(`{"SuccessValue":""}`))
	assert.NoError(t, err)
}

func TestClassifyReceiptStatus_EmptyIsNil(t *testing.T) {
	assert.NoError(t, classifyReceiptStatus(nil))
	assert.NoError(t, classifyReceiptStatus([]byte{}))
}

func TestClassifyReceiptStatus_MappedActionErrorKindAsBareString(t *testing.T) {
	err := classifyReceiptStatus([]byte(`{"Failure":{"ActionError":{"kind":"AccountDoesNotExist"}}}`))
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeAccountDoesNotExist, svcErr.Code)
}

func TestClassifyReceiptStatus_MappedActionErrorKindAsDetailedVariant(t *testing.T) {
	err := classifyReceiptStatus([]byte(`{"Failure":{"ActionError":{"kind":{"LackBalanceForState":{"amount":"500"}}}}}`))
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeInsufficientBalance, svcErr.Code)
}

func TestClassifyReceiptStatus_UnmappedActionErrorKindFallsBackToTxFailure(t *testing.T) {
	err := classifyReceiptStatus([]byte(`{"Failure":{"ActionError":{"kind":"SomethingElseEntirely"}}}`))
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeTxFailure, svcErr.Code)
}

func TestClassifyReceiptStatus_GuestPanicLogMarker(t *testing.T) {
	err := classifyReceiptStatus([]byte(`{"SuccessValue":"","logs":["GuestPanic: explicit guest panic"]}`))
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeGuestPanic, svcErr.Code)
}

func TestClassifyReceiptStatus_ContractStateDeserializeLogMarker(t *testing.T) {
	err := classifyReceiptStatus([]byte(`{"logs":["Cannot deserialize the contract state"]}`))
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeContractStateDeserialize, svcErr.Code)
}

func TestClassifyReceiptStatus_UnrecognizedPayloadIsNil(t *testing.T) {
	err := classifyReceiptStatus([]byte(`{"anything":"else"}`))
	assert.NoError(t, err)
}

func TestFindActionErrorKind_MissingPathReturnsEmpty(t *testing.T) {
	var parsed interface{}
	kind, info := findActionErrorKind(parsed)
	assert.Empty(t, kind)
	assert.Empty(t, info)
}
