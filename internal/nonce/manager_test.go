package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearkey/signer-core/internal/chain"
	"github.com/nearkey/signer-core/internal/types"
)

type fakeFetcher struct {
	mu             sync.Mutex
	accessKeyCalls int32
	blockCalls     int32
	nonce          uint64
	blockHash      string
	delay          time.Duration
}

func (f *fakeFetcher) ViewAccessKey(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) (types.AccessKeyView, error) {
	atomic.AddInt32(&f.accessKeyCalls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.AccessKeyView{Nonce: f.nonce, Permission: types.FullAccessPermission{}}, nil
}

func (f *fakeFetcher) ViewBlock(ctx context.Context, finality string) (chain.BlockView, error) {
	atomic.AddInt32(&f.blockCalls, 1)
	var bv chain.BlockView
	bv.Header.Hash = f.blockHashOrDefault()
	bv.Header.Height = 1000
	return bv, nil
}

func (f *fakeFetcher) blockHashOrDefault() string {
	if f.blockHash != "" {
		return f.blockHash
	}
	// 32 zero bytes, base58 encoded.
	return "11111111111111111111111111111111"
}

func TestManager_Get_CachesWithinFreshness(t *testing.T) {
	fetcher := &fakeFetcher{nonce: 5}
	m := NewManager(fetcher)

	sc1, err := m.Get(context.Background(), "alice.near", "ed25519:abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), sc1.NextNonce)

	sc2, err := m.Get(context.Background(), "alice.near", "ed25519:abc")
	require.NoError(t, err)
	assert.Equal(t, sc1.CapturedAt, sc2.CapturedAt, "second call should be served from cache")
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.accessKeyCalls))
}

func TestManager_Get_CoalescesConcurrentMisses(t *testing.T) {
	fetcher := &fakeFetcher{nonce: 1, delay: 50 * time.Millisecond}
	m := NewManager(fetcher)

	var wg sync.WaitGroup
	results := make([]types.SigningContext, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sc, err := m.Get(context.Background(), "alice.near", "ed25519:abc")
			require.NoError(t, err)
			results[idx] = sc
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.accessKeyCalls), "concurrent misses must coalesce into one fetch")
	for _, r := range results {
		assert.Equal(t, results[0].CapturedAt, r.CapturedAt)
	}
}

func TestManager_ReserveNonces_Contiguous(t *testing.T) {
	fetcher := &fakeFetcher{nonce: 10}
	m := NewManager(fetcher)

	_, nonces, err := m.ReserveNonces(context.Background(), "alice.near", "ed25519:abc", 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 12, 13}, nonces)

	sc, err := m.Get(context.Background(), "alice.near", "ed25519:abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(14), sc.NextNonce, "cache must advance past the reserved batch")
}

func TestManager_ClearTransactionContext_ForcesRefetch(t *testing.T) {
	fetcher := &fakeFetcher{nonce: 1}
	m := NewManager(fetcher)

	_, err := m.Get(context.Background(), "alice.near", "ed25519:abc")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.accessKeyCalls))

	m.ClearTransactionContext("alice.near", "ed25519:abc")

	_, err = m.Get(context.Background(), "alice.near", "ed25519:abc")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.accessKeyCalls))
}

func TestManager_Prefetch_Debounced(t *testing.T) {
	fetcher := &fakeFetcher{nonce: 1}
	m := NewManager(fetcher)
	k := key{Account: "alice.near", PublicKey: "ed25519:abc"}

	m.Prefetch(context.Background(), k.Account, k.PublicKey)
	m.Prefetch(context.Background(), k.Account, k.PublicKey)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fetcher.accessKeyCalls) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.accessKeyCalls), "second call within the debounce window must be dropped")
}

func TestManager_Prefetch_CoalescesWithInFlightFetch(t *testing.T) {
	fetcher := &fakeFetcher{nonce: 1, delay: 50 * time.Millisecond}
	m := NewManager(fetcher)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Get(context.Background(), "alice.near", "ed25519:abc")
	}()
	time.Sleep(5 * time.Millisecond) // let Get's fetch start and register in-flight

	m.Prefetch(context.Background(), "alice.near", "ed25519:abc")
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.accessKeyCalls), "prefetch landing mid-fetch must coalesce, not re-issue")
}

func TestManager_Get_PastHalfLifeSchedulesBackgroundRefresh(t *testing.T) {
	fetcher := &fakeFetcher{nonce: 1}
	m := NewManager(fetcher)
	k := key{Account: "alice.near", PublicKey: "ed25519:abc"}

	stale := BlockFreshness/2 + time.Millisecond // just past half-life, still fresh
	m.mu.Lock()
	m.cache[k] = types.SigningContext{NearPublicKey: "ed25519:abc", NextNonce: 6, CapturedAt: time.Now().Add(-stale)}
	m.mu.Unlock()

	sc, err := m.Get(context.Background(), k.Account, k.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), sc.NextNonce, "the stale-but-fresh value is still served immediately")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fetcher.accessKeyCalls) == 1
	}, time.Second, time.Millisecond, "past half-life must trigger a background refresh")
}

func TestManager_IsFresh_RequiresBlockFreshnessIndependently(t *testing.T) {
	fetcher := &fakeFetcher{}
	m := NewManager(fetcher)

	// Within NonceFreshness (20s) but past BlockFreshness (10s): must not
	// be treated as fresh, since both clocks must independently hold.
	sc := types.SigningContext{CapturedAt: time.Now().Add(-(BlockFreshness + time.Second))}
	assert.False(t, m.isFresh(sc))

	fresh := types.SigningContext{CapturedAt: time.Now()}
	assert.True(t, m.isFresh(fresh))
}

func TestManager_DifferentKeysAreIndependent(t *testing.T) {
	fetcher := &fakeFetcher{nonce: 1}
	m := NewManager(fetcher)

	scA, err := m.Get(context.Background(), "alice.near", "ed25519:aaa")
	require.NoError(t, err)
	scB, err := m.Get(context.Background(), "bob.near", "ed25519:bbb")
	require.NoError(t, err)

	assert.Equal(t, scA.NextNonce, scB.NextNonce)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.accessKeyCalls))
}
