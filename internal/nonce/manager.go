// Package nonce implements the Nonce Manager: a process-wide cache of
// (account, public key) -> SigningContext, with freshness thresholds and
// in-flight fetch coalescing so concurrent signing requests for the same
// key never issue duplicate view_access_key/block RPCs.
//
// Grounded on the teacher's infrastructure/accountpool singleton pattern
// (a package-level cache guarded by a mutex, exposed only through methods,
// never through the map itself) combined with the "Option<SharedFuture<T>>"
// coalescing idiom from spec.md's Nonce Manager component, rendered in Go
// as a map of in-flight request structs that later callers wait on instead
// of re-issuing the underlying fetch.
package nonce

import (
	"context"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/nearkey/signer-core/internal/chain"
	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// Freshness thresholds, per spec.md's Nonce Manager component.
const (
	NonceFreshness   = 20 * time.Second
	BlockFreshness   = 10 * time.Second
	HardMaxAge       = 30 * time.Second
	PrefetchDebounce = 150 * time.Millisecond
)

type key struct {
	Account   types.AccountID
	PublicKey types.NearPublicKey
}

type inflight struct {
	done   chan struct{}
	result types.SigningContext
	err    error
}

// Fetcher is the minimal chain surface the Nonce Manager depends on,
// satisfied by *chain.Client and easily faked in tests.
type Fetcher interface {
	ViewAccessKey(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) (types.AccessKeyView, error)
	ViewBlock(ctx context.Context, finality string) (chain.BlockView, error)
}

// Manager is the process-wide nonce cache singleton. Construct exactly one
// per chain/network and share it, the way the teacher shares its account
// pool.
type Manager struct {
	fetcher Fetcher

	mu           sync.Mutex
	cache        map[key]types.SigningContext
	inflights    map[key]*inflight
	lastFetch    map[key]time.Time
	lastPrefetch map[key]time.Time
}

// NewManager constructs a Manager over a Fetcher (typically *chain.Client).
func NewManager(fetcher Fetcher) *Manager {
	return &Manager{
		fetcher:      fetcher,
		cache:        make(map[key]types.SigningContext),
		inflights:    make(map[key]*inflight),
		lastFetch:    make(map[key]time.Time),
		lastPrefetch: make(map[key]time.Time),
	}
}

// Get returns a fresh SigningContext for (accountID, publicKey), serving
// from cache when within NonceFreshness/BlockFreshness, coalescing
// concurrent misses into a single underlying fetch, and refusing to serve
// anything older than HardMaxAge even if a refresh is in flight. A cache hit
// that is past half its freshness window schedules a background Prefetch so
// the next call is likely to find a warm cache instead of blocking.
func (m *Manager) Get(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) (types.SigningContext, error) {
	k := key{Account: accountID, PublicKey: publicKey}

	m.mu.Lock()
	if cached, ok := m.cache[k]; ok && m.isFresh(cached) {
		m.mu.Unlock()
		if pastHalfLife(cached) {
			m.Prefetch(context.WithoutCancel(ctx), accountID, publicKey)
		}
		return cached, nil
	}

	if inf, ok := m.inflights[k]; ok {
		m.mu.Unlock()
		return m.waitFor(ctx, inf)
	}

	inf := &inflight{done: make(chan struct{})}
	m.inflights[k] = inf
	m.mu.Unlock()

	result, err := m.fetch(ctx, accountID, publicKey)

	m.mu.Lock()
	inf.result, inf.err = result, err
	close(inf.done)
	delete(m.inflights, k)
	if err == nil {
		m.cache[k] = result
		m.lastFetch[k] = time.Now()
	}
	m.mu.Unlock()

	return result, err
}

// Prefetch refreshes the cached SigningContext for (accountID, publicKey) in
// the background without making the caller wait on the result. It is
// debounced: a call within PrefetchDebounce of the previous prefetch for the
// same key is dropped. It coalesces with any fetch already in flight for
// that key, whether started by Get or by an earlier Prefetch, rather than
// issuing a second view_access_key/view_block round trip.
func (m *Manager) Prefetch(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) {
	k := key{Account: accountID, PublicKey: publicKey}

	m.mu.Lock()
	now := time.Now()
	if last, ok := m.lastPrefetch[k]; ok && now.Sub(last) < PrefetchDebounce {
		m.mu.Unlock()
		return
	}
	if _, ok := m.inflights[k]; ok {
		m.mu.Unlock()
		return
	}
	m.lastPrefetch[k] = now

	inf := &inflight{done: make(chan struct{})}
	m.inflights[k] = inf
	m.mu.Unlock()

	go func() {
		result, err := m.fetch(ctx, accountID, publicKey)

		m.mu.Lock()
		inf.result, inf.err = result, err
		close(inf.done)
		delete(m.inflights, k)
		if err == nil {
			m.cache[k] = result
			m.lastFetch[k] = time.Now()
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) waitFor(ctx context.Context, inf *inflight) (types.SigningContext, error) {
	select {
	case <-inf.done:
		return inf.result, inf.err
	case <-ctx.Done():
		return types.SigningContext{}, ctx.Err()
	}
}

func (m *Manager) fetch(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) (types.SigningContext, error) {
	accessKey, err := m.fetcher.ViewAccessKey(ctx, accountID, publicKey)
	if err != nil {
		return types.SigningContext{}, err
	}
	block, err := m.fetcher.ViewBlock(ctx, "final")
	if err != nil {
		return types.SigningContext{}, err
	}

	var blockHash [32]byte
	if err := decodeBlockHash(block.Header.Hash, &blockHash); err != nil {
		return types.SigningContext{}, svcerr.Wrap(svcerr.CodeCryptoInvalid, "decode block hash", err)
	}

	return types.SigningContext{
		NearPublicKey: publicKey,
		AccessKey:     accessKey,
		NextNonce:     accessKey.Nonce + 1,
		BlockHash:     blockHash,
		BlockHeight:   block.Header.Height,
		CapturedAt:    time.Now(),
	}, nil
}

// isFresh reports whether sc may be served from cache: the nonce and the
// block hash it was captured with must independently still be within their
// own freshness windows, and the context must never be older than
// HardMaxAge regardless of either window.
func (m *Manager) isFresh(sc types.SigningContext) bool {
	age := time.Since(sc.CapturedAt)
	return age <= NonceFreshness && age <= BlockFreshness && age <= HardMaxAge
}

// pastHalfLife reports whether sc is fresh but old enough to warrant a
// proactive background refresh, using half of the tighter of the two
// freshness windows (BlockFreshness, since it is always <= NonceFreshness).
func pastHalfLife(sc types.SigningContext) bool {
	halfLife := BlockFreshness
	if NonceFreshness < halfLife {
		halfLife = NonceFreshness
	}
	return time.Since(sc.CapturedAt) > halfLife/2
}

// ReserveNonces captures a SigningContext once, then hands out a
// contiguous batch of nonces (base, base+1, ..., base+count-1) for a
// multi-action batch signed under one call, advancing the cached nonce so
// a subsequent Get in the same process does not reissue an already
// reserved value.
func (m *Manager) ReserveNonces(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey, count int) (types.SigningContext, []uint64, error) {
	sc, err := m.Get(ctx, accountID, publicKey)
	if err != nil {
		return sc, nil, err
	}

	k := key{Account: accountID, PublicKey: publicKey}
	nonces := make([]uint64, count)

	m.mu.Lock()
	base := sc.NextNonce
	for i := 0; i < count; i++ {
		nonces[i] = base + uint64(i)
	}
	advanced := sc
	advanced.NextNonce = base + uint64(count)
	m.cache[k] = advanced
	m.mu.Unlock()

	return sc, nonces, nil
}

// ClearTransactionContext discards any cached SigningContext for
// (accountID, publicKey), forcing the next Get to refetch. Called after a
// failed broadcast whose nonce may have been consumed by a competing
// client, or on logout.
func (m *Manager) ClearTransactionContext(accountID types.AccountID, publicKey types.NearPublicKey) {
	k := key{Account: accountID, PublicKey: publicKey}
	m.mu.Lock()
	delete(m.cache, k)
	delete(m.lastFetch, k)
	delete(m.lastPrefetch, k)
	m.mu.Unlock()
}

func decodeBlockHash(hash string, out *[32]byte) error {
	decoded, err := base58.Decode(hash)
	if err != nil {
		return svcerr.Wrap(svcerr.CodeCryptoInvalid, "decode base58 block hash", err)
	}
	if len(decoded) != 32 {
		return svcerr.New(svcerr.CodeCryptoInvalid, "block hash must decode to 32 bytes")
	}
	copy(out[:], decoded)
	return nil
}
