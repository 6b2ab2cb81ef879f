package shamir

import (
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrime(t *testing.T) *big.Int {
	t.Helper()
	p, err := rand.Prime(rand.Reader, 256)
	require.NoError(t, err)
	return p
}

func TestThreePassProtocol_Commutativity(t *testing.T) {
	p := testPrime(t)

	client, err := GenerateServerKeypair(p)
	require.NoError(t, err)
	server, err := GenerateServerKeypair(p)
	require.NoError(t, err)

	m := big.NewInt(123456789)

	clientLocked := ApplyLayer(p, m, client.E)
	doubleLocked := ApplyLayer(p, clientLocked, server.E)
	coLocked := ApplyLayer(p, doubleLocked, client.D)

	// coLocked should equal m^e_s mod p directly.
	direct := ApplyLayer(p, m, server.E)
	assert.Equal(t, direct, coLocked)

	// Removing the server lock recovers m.
	reLocked := ApplyLayer(p, coLocked, client.E)
	serverRemoved := ApplyLayer(p, reLocked, server.D)
	recovered := ApplyLayer(p, serverRemoved, client.D)
	assert.Equal(t, m, recovered)
}

func TestService_ApplyAndRemoveServerLock(t *testing.T) {
	p := testPrime(t)
	serverKey, err := GenerateServerKeypair(p)
	require.NoError(t, err)
	clientKey, err := GenerateServerKeypair(p)
	require.NoError(t, err)

	store := NewMemStore(serverKey)
	svc := NewService(p, store)

	m := big.NewInt(987654321)
	clientLocked := ApplyLayer(p, m, clientKey.E)

	coLocked, keyID, err := svc.ApplyServerLock(clientLocked)
	require.NoError(t, err)
	assert.Equal(t, serverKey.KeyID, keyID)

	stripped := ApplyLayer(p, coLocked, clientKey.D)
	reLocked := ApplyLayer(p, stripped, clientKey.E)

	unwrapped, err := svc.RemoveServerLock(reLocked, keyID)
	require.NoError(t, err)
	recovered := ApplyLayer(p, unwrapped, clientKey.D)
	assert.Equal(t, m, recovered)
}

func TestService_Rotate_OldKeyUsableDuringGrace(t *testing.T) {
	p := testPrime(t)
	serverKey, err := GenerateServerKeypair(p)
	require.NoError(t, err)
	clientKey, err := GenerateServerKeypair(p)
	require.NoError(t, err)

	store := NewMemStore(serverKey)
	svc := NewService(p, store)

	m := big.NewInt(42)
	clientLocked := ApplyLayer(p, m, clientKey.E)
	coLocked, oldKeyID, err := svc.ApplyServerLock(clientLocked)
	require.NoError(t, err)

	_, err = svc.Rotate(time.Hour, 3)
	require.NoError(t, err)

	stripped := ApplyLayer(p, coLocked, clientKey.D)
	reLocked := ApplyLayer(p, stripped, clientKey.E)

	unwrapped, err := svc.RemoveServerLock(reLocked, oldKeyID)
	require.NoError(t, err, "grace key must still unlock values co-locked before rotation")
	recovered := ApplyLayer(p, unwrapped, clientKey.D)
	assert.Equal(t, m, recovered)
}

func TestService_RemoveServerLock_UnknownKeyFails(t *testing.T) {
	p := testPrime(t)
	serverKey, err := GenerateServerKeypair(p)
	require.NoError(t, err)
	store := NewMemStore(serverKey)
	svc := NewService(p, store)

	_, err = svc.RemoveServerLock(big.NewInt(1), "not-a-real-key-id")
	require.Error(t, err)
}

func TestService_Rotate_PrunesBeyondMaxGraceKeys(t *testing.T) {
	p := testPrime(t)
	serverKey, err := GenerateServerKeypair(p)
	require.NoError(t, err)
	store := NewMemStore(serverKey)
	svc := NewService(p, store)

	for i := 0; i < 5; i++ {
		_, err := svc.Rotate(time.Hour, 2)
		require.NoError(t, err)
	}

	grace, err := store.GraceKeys()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(grace), 2)
}

func TestService_Info_NeverExposesExponents(t *testing.T) {
	p := testPrime(t)
	serverKey, err := GenerateServerKeypair(p)
	require.NoError(t, err)
	store := NewMemStore(serverKey)
	svc := NewService(p, store)

	infos, err := svc.Info()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Active)
	assert.Equal(t, serverKey.KeyID, infos[0].KeyID)
}
