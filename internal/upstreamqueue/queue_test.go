package upstreamqueue

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flamenco-io/flamenco-worker/internal/upstream"
)

func openTemp(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueue_IncrementsQueueSize(t *testing.T) {
	q := openTemp(t)

	require.NoError(t, q.Enqueue("/tasks/1/update", []byte(`{"a":1}`)))
	require.NoError(t, q.Enqueue("/tasks/1/update", []byte(`{"a":2}`)))

	size, err := q.QueueSize()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestFlush_EmptyQueueReportsEmptyBefore(t *testing.T) {
	q := openTemp(t)

	emptyBefore, err := q.Flush(context.Background(), func(ctx context.Context, url string, payload []byte) error {
		t.Fatal("poster should not be called on an empty queue")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, emptyBefore)
}

func TestFlush_DeliversInOrderAndDrains(t *testing.T) {
	q := openTemp(t)

	require.NoError(t, q.Enqueue("/u1", []byte(`"first"`)))
	require.NoError(t, q.Enqueue("/u2", []byte(`"second"`)))
	require.NoError(t, q.Enqueue("/u3", []byte(`"third"`)))

	var delivered []string
	emptyBefore, err := q.Flush(context.Background(), func(ctx context.Context, url string, payload []byte) error {
		delivered = append(delivered, url)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, emptyBefore)
	assert.Equal(t, []string{"/u1", "/u2", "/u3"}, delivered)

	size, err := q.QueueSize()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestFlush_409DiscardsOnlyThatRow(t *testing.T) {
	q := openTemp(t)

	require.NoError(t, q.Enqueue("/u1", []byte(`"a"`)))
	require.NoError(t, q.Enqueue("/u2", []byte(`"b"`)))
	require.NoError(t, q.Enqueue("/u3", []byte(`"c"`)))

	var delivered []string
	_, err := q.Flush(context.Background(), func(ctx context.Context, url string, payload []byte) error {
		delivered = append(delivered, url)
		if url == "/u2" {
			return &upstream.StatusError{StatusCode: 409, Body: "stale"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/u1", "/u2", "/u3"}, delivered)

	size, err := q.QueueSize()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestFlush_StopsPassOnOtherErrorAndPreservesRemainder(t *testing.T) {
	q := openTemp(t)

	require.NoError(t, q.Enqueue("/u1", []byte(`"a"`)))
	require.NoError(t, q.Enqueue("/u2", []byte(`"b"`)))
	require.NoError(t, q.Enqueue("/u3", []byte(`"c"`)))

	var calls int32
	_, err := q.Flush(context.Background(), func(ctx context.Context, url string, payload []byte) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 2 {
			return &upstream.StatusError{StatusCode: 502, Body: "down"}
		}
		return nil
	})
	require.Error(t, err)

	var statusErr *upstream.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, statusErr.Retryable())

	size, err := q.QueueSize()
	require.NoError(t, err)
	assert.Equal(t, 2, size) // u2 (retried next pass) and u3 remain
}

func TestFlush_UnreachableManagerStopsPass(t *testing.T) {
	q := openTemp(t)
	require.NoError(t, q.Enqueue("/u1", []byte(`"a"`)))

	_, err := q.Flush(context.Background(), func(ctx context.Context, url string, payload []byte) error {
		return upstream.ErrUnreachable
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrUnreachable)

	size, err := q.QueueSize()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("/u1", []byte(`"a"`)))
	require.NoError(t, q.Enqueue("/u2", []byte(`"b"`)))
	require.NoError(t, q.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()

	size, err := q2.QueueSize()
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	var delivered []string
	_, err = q2.Flush(context.Background(), func(ctx context.Context, url string, payload []byte) error {
		delivered = append(delivered, url)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/u1", "/u2"}, delivered)
}

func TestFlush_RespectsFlushCap(t *testing.T) {
	q := openTemp(t)
	q.FlushCap = 2

	require.NoError(t, q.Enqueue("/u1", []byte(`"a"`)))
	require.NoError(t, q.Enqueue("/u2", []byte(`"b"`)))
	require.NoError(t, q.Enqueue("/u3", []byte(`"c"`)))

	var delivered []string
	_, err := q.Flush(context.Background(), func(ctx context.Context, url string, payload []byte) error {
		delivered = append(delivered, url)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, delivered, 2)

	size, err := q.QueueSize()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestEnqueue_AfterCloseReturnsErrClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	err = q.Enqueue("/u1", []byte(`"a"`))
	assert.ErrorIs(t, err, ErrClosed)
}

// A connection error on the first flush attempt makes the drainer
// sleep BackoffTime, then retry exactly once more and succeed.
func TestDrainLoop_BacksOffAfterConnectionErrorThenRetries(t *testing.T) {
	q := openTemp(t)
	q.BackoffTime = 100 * time.Millisecond
	require.NoError(t, q.Enqueue("/u1", []byte(`"a"`)))

	var attempts int32
	attemptTimes := make(chan time.Time, 2)
	delivered := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.DrainLoop(ctx, func(ctx context.Context, url string, payload []byte) error {
			attemptTimes <- time.Now()
			if atomic.AddInt32(&attempts, 1) == 1 {
				return upstream.ErrUnreachable
			}
			close(delivered)
			return nil
		})
		close(done)
	}()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("queued item was not retried after backoff")
	}

	first := <-attemptTimes
	second := <-attemptTimes
	assert.GreaterOrEqual(t, second.Sub(first), 100*time.Millisecond,
		"retry must wait at least BackoffTime after a connection error")
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	// The poster returns before the queue deletes the delivered row;
	// stop the loop first so that delete has happened before checking.
	cancel()
	<-done

	size, err := q.QueueSize()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDrainLoop_DeliversQueuedItemAndStopsOnCancel(t *testing.T) {
	q := openTemp(t)
	require.NoError(t, q.Enqueue("/u1", []byte(`"a"`)))

	delivered := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		q.DrainLoop(ctx, func(ctx context.Context, url string, payload []byte) error {
			delivered <- url
			return nil
		})
		close(done)
	}()

	select {
	case url := <-delivered:
		assert.Equal(t, "/u1", url)
	case <-ctx.Done():
		t.Fatal("context cancelled before delivery")
	}

	cancel()
	<-done
}
