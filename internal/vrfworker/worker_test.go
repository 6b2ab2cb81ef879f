package vrfworker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearkey/signer-core/internal/cryptocore"
	"github.com/nearkey/signer-core/internal/svcerr"
)

func TestWorker_ChallengeFailsWhenLocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := Start(ctx)

	active, err := w.IsActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = w.Challenge(ctx, "alice", "example.near", [32]byte{}, 100)
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeVRFLocked, svcErr.Code)
}

func TestWorker_UnlockThenChallenge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := Start(ctx)

	kp, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, w.Unlock(ctx, "alice", kp))

	active, err := w.IsActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	blockHash := [32]byte{1, 2, 3}
	challenge, err := w.Challenge(ctx, "alice", "example.near", blockHash, 500)
	require.NoError(t, err)
	assert.Equal(t, "alice", challenge.UserID)
	assert.Equal(t, blockHash, challenge.BlockHash)

	err = cryptocore.VRFVerify(challenge.VRFPublicKey, challenge.VRFInput, [64]byte(challenge.VRFProof), challenge.VRFOutput)
	assert.NoError(t, err)
}

func TestWorker_ChallengeRejectsWrongUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := Start(ctx)

	kp, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, w.Unlock(ctx, "alice", kp))

	_, err = w.Challenge(ctx, "mallory", "example.near", [32]byte{}, 1)
	require.Error(t, err)
	svcErr, ok := svcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, svcerr.CodeVRFWrongUser, svcErr.Code)
}

func TestWorker_LockWipesKeypair(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := Start(ctx)

	kp, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, w.Unlock(ctx, "alice", kp))
	require.NoError(t, w.Lock(ctx))

	active, err := w.IsActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestWorker_ConcurrentCallsAreSerialized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := Start(ctx)

	kp, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, w.Unlock(ctx, "alice", kp))

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := w.Challenge(ctx, "alice", "example.near", [32]byte{9}, 1)
			errs <- err
		}()
	}
	for i := 0; i < 20; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for concurrent challenge calls")
		}
	}
}
