package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixture_CreateCredential_Deterministic(t *testing.T) {
	f := &Fixture{}
	ctx := context.Background()
	opts := CreationOptions{
		RPID:             "example.near",
		Challenge:        []byte("challenge-bytes"),
		PRFSaltSignature: []byte("salt-sig"),
		PRFSaltVRF:       []byte("salt-vrf"),
	}

	a1, err := f.CreateCredential(ctx, opts)
	require.NoError(t, err)
	a2, err := f.CreateCredential(ctx, opts)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1.PRFOutputSignature, a1.PRFOutputVRF)
}

func TestFixture_Deny(t *testing.T) {
	f := &Fixture{Deny: true}
	_, err := f.CreateCredential(context.Background(), CreationOptions{})
	require.Error(t, err)

	_, err = f.GetAssertion(context.Background(), RequestOptions{})
	require.Error(t, err)
}

func TestFixture_GetAssertion_UsesConfiguredCredentialID(t *testing.T) {
	f := &Fixture{CredentialID: []byte("specific-id")}
	a, err := f.GetAssertion(context.Background(), RequestOptions{Challenge: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, []byte("specific-id"), a.CredentialID)
}
