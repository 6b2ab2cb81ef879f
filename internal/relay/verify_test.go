package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearkey/signer-core/internal/session"
	"github.com/nearkey/signer-core/internal/svcerr"
)

func TestVerifyAuthentication_VerifiedIssuesSessionCredential(t *testing.T) {
	fc := &fakeChain{callFunctionOut: []byte(`{"verified":true}`)}
	fs := newFakeStore()
	svc := newTestService(t, fc, fs)
	svc.session = session.New([]byte("test-signing-secret-test-signing-secret"))

	result, err := svc.VerifyAuthentication(context.Background(), VerifyAuthenticationRequest{
		AccountID:              "alice.testnet",
		VRFData:                []byte(`{"proof":"x"}`),
		WebAuthnAuthentication: []byte(`{"id":"y"}`),
	})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.NotEmpty(t, result.SessionCredential)

	valid, claims := svc.session.Verify(result.SessionCredential)
	assert.True(t, valid)
	require.NotNil(t, claims)
	assert.Equal(t, "alice.testnet", claims.Sub)
}

func TestVerifyAuthentication_DeniedWithoutError(t *testing.T) {
	fc := &fakeChain{callFunctionOut: []byte(`{"verified":false}`)}
	fs := newFakeStore()
	svc := newTestService(t, fc, fs)

	result, err := svc.VerifyAuthentication(context.Background(), VerifyAuthenticationRequest{
		AccountID:              "alice.testnet",
		VRFData:                []byte(`{"proof":"x"}`),
		WebAuthnAuthentication: []byte(`{"id":"y"}`),
	})
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Empty(t, result.SessionCredential)
}

func TestVerifyAuthentication_VerifiedWithoutSessionServiceConfigured(t *testing.T) {
	fc := &fakeChain{callFunctionOut: []byte(`{"verified":true}`)}
	fs := newFakeStore()
	svc := newTestService(t, fc, fs) // svc.session left nil

	result, err := svc.VerifyAuthentication(context.Background(), VerifyAuthenticationRequest{
		AccountID:              "alice.testnet",
		VRFData:                []byte(`{"proof":"x"}`),
		WebAuthnAuthentication: []byte(`{"id":"y"}`),
	})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Empty(t, result.SessionCredential)
}

func TestVerifyAuthentication_RequiresFields(t *testing.T) {
	fc := &fakeChain{}
	fs := newFakeStore()
	svc := newTestService(t, fc, fs)

	_, err := svc.VerifyAuthentication(context.Background(), VerifyAuthenticationRequest{AccountID: "alice.testnet"})
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeInputInvalid, svcErr.Code)
}

func TestVerifyAuthentication_PropagatesContractCallFailure(t *testing.T) {
	fc := &fakeChain{callFunctionErr: svcerr.New(svcerr.CodeRPCHTTP, "rpc down")}
	fs := newFakeStore()
	svc := newTestService(t, fc, fs)

	_, err := svc.VerifyAuthentication(context.Background(), VerifyAuthenticationRequest{
		AccountID:              "alice.testnet",
		VRFData:                []byte(`{}`),
		WebAuthnAuthentication: []byte(`{}`),
	})
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeRPCHTTP, svcErr.Code)
}
