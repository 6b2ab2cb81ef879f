package txqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearkey/signer-core/internal/types"
)

func TestSubmit_RunsJobAndReturnsResult(t *testing.T) {
	q := New(nil)

	result, err := q.Submit(context.Background(), types.AccountID("alice.near"), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	stats := q.Stats()
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestSubmit_PropagatesJobError(t *testing.T) {
	q := New(nil)
	boom := assertError("broadcast failed")

	_, err := q.Submit(context.Background(), types.AccountID("alice.near"), func(ctx context.Context) (interface{}, error) {
		return nil, boom
	})
	require.Error(t, err)
	assert.Equal(t, boom, err)

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Completed)
}

func TestSubmit_SerializesJobsForSameAccount(t *testing.T) {
	q := New(nil)
	account := types.AccountID("alice.near")

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Submit(context.Background(), account, func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
			assert.NoError(t, err)
		}()
		// Give each submission a moment's head start so submission order is
		// deterministic; the assertions below check that all jobs ran and
		// that they ran in submission order.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	assert.Len(t, order, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSubmit_DifferentAccountsRunConcurrently(t *testing.T) {
	q := New(nil)

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	go func() {
		_, _ = q.Submit(context.Background(), types.AccountID("alice.near"), func(ctx context.Context) (interface{}, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		})
	}()
	go func() {
		_, _ = q.Submit(context.Background(), types.AccountID("bob.near"), func(ctx context.Context) (interface{}, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		})
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first job never started")
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("second account's job blocked behind the first: accounts are not independent")
	}
	close(release)
}

func TestSubmit_ContextCancellationReturnsEarly(t *testing.T) {
	q := New(nil)

	block := make(chan struct{})
	defer close(block)

	// Occupy the account's worker with a long-running job first.
	go func() {
		_, _ = q.Submit(context.Background(), types.AccountID("alice.near"), func(ctx context.Context) (interface{}, error) {
			<-block
			return nil, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Submit(ctx, types.AccountID("alice.near"), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
