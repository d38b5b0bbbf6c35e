// Package upstreamqueue is the durable, at-least-once FIFO that sits
// between task/log producers and the Manager: a single bbolt bucket
// holding rowid -> {url, payload} entries, drained in rowid order by a
// background goroutine.
package upstreamqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
	"github.com/flamenco-io/flamenco-worker/internal/metrics"
	"github.com/flamenco-io/flamenco-worker/internal/upstream"
)

var bucketName = []byte("queue")

// DefaultFlushCap bounds how many items a single drain pass processes
// before yielding to other goroutines. Not a semantic limit;
// overridable via Queue.FlushCap.
const DefaultFlushCap = 1000

// DefaultBackoff is the pause after a failed POST before the next drain
// attempt.
const DefaultBackoff = 5 * time.Second

type record struct {
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
}

// ErrClosed is returned by operations performed after Close.
var ErrClosed = errors.New("upstreamqueue: queue is closed")

// Poster delivers one payload to url. It must classify the response via
// *upstream.StatusError so the queue can tell a 409 (discard) from a
// 5xx (retry) from an unreachable Manager (retry).
type Poster func(ctx context.Context, url string, payload []byte) error

// Queue is the durable update queue described in the worker-core design.
type Queue struct {
	db          *bolt.DB
	FlushCap    int
	BackoffTime time.Duration

	drainMu sync.Mutex // at most one drain pass at a time
	workSig chan struct{}

	closed bool
	mu     sync.Mutex
}

// Open opens (creating if absent) the bbolt-backed queue at path.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{
		db:          db,
		FlushCap:    DefaultFlushCap,
		BackoffTime: DefaultBackoff,
		workSig:     make(chan struct{}, 1),
	}

	if size, err := q.QueueSize(); err == nil && size > 0 {
		q.signal()
	}

	return q, nil
}

func (q *Queue) signal() {
	select {
	case q.workSig <- struct{}{}:
	default:
	}
}

// Enqueue durably stores one (url, payload) pair and wakes the drainer.
// Non-blocking from the caller's point of view: it's a single local
// bolt transaction, never a network call.
func (q *Queue) Enqueue(url string, payload []byte) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		rec := record{URL: url, Payload: payload}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put(itob(seq), data)
	})
	if err != nil {
		return err
	}

	before, _ := q.QueueSize()
	metrics.SetQueueDepth(float64(before))

	q.signal()
	return nil
}

// QueueSize returns the number of undelivered items.
func (q *Queue) QueueSize() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the underlying bbolt file.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.db.Close()
}

// Flush performs one drain pass: POST each queued item in rowid order,
// discarding on 2xx or 409, stopping and backing off on any other error.
// Returns true if the queue was already empty on entry.
func (q *Queue) Flush(ctx context.Context, post Poster) (emptyBefore bool, err error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	start := time.Now()
	log := logger.WithComponent("upstreamqueue")

	sizeBefore, _ := q.QueueSize()
	if sizeBefore == 0 {
		return true, nil
	}

	processed := 0
	for processed < q.flushCap() {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		key, rec, ok, err := q.peekOldest()
		if err != nil {
			return false, err
		}
		if !ok {
			break // drained
		}

		postErr := post(ctx, rec.URL, rec.Payload)
		if postErr == nil {
			if err := q.delete(key); err != nil {
				return false, err
			}
			processed++
			continue
		}

		var statusErr *upstream.StatusError
		if errors.As(postErr, &statusErr) && statusErr.StatusCode == 409 {
			// Not our task anymore: discard this row only (see
			// DESIGN.md for why sibling rows are left in place).
			if err := q.delete(key); err != nil {
				return false, err
			}
			metrics.RecordDiscard409()
			processed++
			continue
		}

		// Any other error: stop the pass, leave this and subsequent
		// rows queued, back off.
		kind := "other"
		if errors.Is(postErr, upstream.ErrUnreachable) {
			kind = "network"
		} else if statusErr != nil {
			kind = "manager"
		}
		metrics.RecordDrainError(kind)
		log.Warn().Err(postErr).Str("url", rec.URL).Msg("drain pass stopped on error, will retry after backoff")

		sizeAfter, _ := q.QueueSize()
		if sizeAfter > sizeBefore {
			log.Warn().Int("before", sizeBefore).Int("after", sizeAfter).Msg("update queue grew during drain pass")
		}
		metrics.SetQueueDepth(float64(sizeAfter))
		metrics.RecordDrain(time.Since(start).Seconds())
		return false, postErr
	}

	sizeAfter, _ := q.QueueSize()
	if sizeAfter > sizeBefore {
		log.Warn().Int("before", sizeBefore).Int("after", sizeAfter).Msg("update queue grew during drain pass")
	}
	metrics.SetQueueDepth(float64(sizeAfter))
	metrics.RecordDrain(time.Since(start).Seconds())

	if sizeAfter > 0 {
		q.signal() // more work remains past the cap; retry promptly
	}

	return false, nil
}

func (q *Queue) flushCap() int {
	if q.FlushCap > 0 {
		return q.FlushCap
	}
	return DefaultFlushCap
}

func (q *Queue) backoff() time.Duration {
	if q.BackoffTime > 0 {
		return q.BackoffTime
	}
	return DefaultBackoff
}

// FlushAndReport performs one best-effort drain pass, swallowing errors.
// Used at shutdown: the worker exits regardless of whether the Manager
// is reachable.
func (q *Queue) FlushAndReport(ctx context.Context, post Poster) {
	if _, err := q.Flush(ctx, post); err != nil {
		logger.WithComponent("upstreamqueue").Warn().Err(err).Msg("final flush at shutdown did not fully drain")
	}
}

// DrainLoop runs Flush repeatedly until ctx is cancelled, waiting on the
// work-available signal between passes and sleeping BackoffTime after an
// error before retrying.
func (q *Queue) DrainLoop(ctx context.Context, post Poster) {
	log := logger.WithComponent("upstreamqueue")
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.workSig:
		}

		emptyBefore, err := q.Flush(ctx, post)
		if emptyBefore {
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.backoff()):
			}
			q.signal() // retry
			continue
		}

		log.Debug().Msg("drain pass completed")
	}
}

func (q *Queue) peekOldest() (key []byte, rec record, ok bool, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		ok = true
		key = append([]byte(nil), k...)
		return json.Unmarshal(v, &rec)
	})
	return key, rec, ok, err
}

func (q *Queue) delete(key []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
