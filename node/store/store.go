// Package store persists the set of broadcast values a node has seen.
//
// Each node has its own bbolt file containing a single bucket, keyed by the
// broadcast value. The store is insert-only, so a value is never removed
// once committed.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ugorji/go/codec"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/andydunstall/rumour/pkg/backoff"
	"github.com/andydunstall/rumour/pkg/log"
)

var (
	// ErrStorage is returned when opening, reading or committing the
	// underlying database fails.
	ErrStorage = errors.New("storage")
)

var (
	bucketBroadcast = []byte("broadcast")
)

// Entry is a value recorded in the store.
type Entry struct {
	Value uint64 `json:"value"`
	// SeenAt is when the value was first inserted.
	SeenAt time.Time `json:"seen_at"`
}

type record struct {
	SeenAt int64 `codec:"seen_at"`
}

// Store is a durable set of broadcast values.
//
// Store is safe for concurrent use. bbolt serialises write transactions, so
// concurrent inserts of the same value are safe without further locking.
type Store struct {
	db *bolt.DB

	path string

	metrics *Metrics

	logger log.Logger
}

// Open opens (or creates) the store at the given path.
func Open(path string, opts ...Option) (*Store, error) {
	options := options{
		openTimeout: time.Second,
		logger:      log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir: %s: %w", ErrStorage, path, err)
	}
	db, err := openDB(path, &options)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %s: %w", ErrStorage, path, err)
	}

	s := &Store{
		db:      db,
		path:    path,
		metrics: NewMetrics(),
		logger:  options.logger.WithSubsystem("store"),
	}

	n, err := s.count()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.metrics.Values.Set(float64(n))

	s.logger.Info(
		"opened store",
		zap.String("path", path),
		zap.Int("values", n),
	)

	return s, nil
}

// openDB opens the database, retrying with backoff while another process
// holds the file lock.
func openDB(path string, options *options) (*bolt.DB, error) {
	b := backoff.New(options.openRetries, options.openTimeout, options.openTimeout*8)
	for {
		db, err := bolt.Open(path, 0o600, &bolt.Options{
			Timeout: options.openTimeout,
		})
		if err == nil {
			return db, nil
		}
		if !errors.Is(err, bolt.ErrTimeout) || options.openRetries == 0 {
			return nil, err
		}

		options.logger.Warn(
			"store locked; retrying",
			zap.String("path", path),
			zap.Int("attempt", b.Attempts()+1),
		)
		if !b.Wait(context.Background()) {
			return nil, err
		}
	}
}

// Insert records the value. Inserting a value that is already present
// succeeds without modifying the store.
func (s *Store) Insert(ctx context.Context, value uint64) error {
	_, err := s.InsertValue(ctx, value)
	return err
}

// InsertValue records the value and returns whether it was newly added.
//
// The write transaction runs on its own goroutine, so the caller only waits
// for the commit (or for ctx to be cancelled). A cancelled insert may still
// commit.
func (s *Store) InsertValue(ctx context.Context, value uint64) (bool, error) {
	added, err := offload(ctx, func() (bool, error) {
		return s.insert(value)
	})
	switch {
	case err != nil:
		s.metrics.InsertsTotal.WithLabelValues("error").Inc()
	case added:
		s.metrics.InsertsTotal.WithLabelValues("added").Inc()
		s.metrics.Values.Inc()
	default:
		s.metrics.InsertsTotal.WithLabelValues("duplicate").Inc()
	}
	return added, err
}

// List returns every value in the store. The order is unspecified.
//
// If no value has ever been inserted returns an empty slice.
func (s *Store) List(ctx context.Context) ([]uint64, error) {
	return offload(ctx, func() ([]uint64, error) {
		values := []uint64{}
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketBroadcast)
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, _ []byte) error {
				v, err := decodeKey(k)
				if err != nil {
					return err
				}
				values = append(values, v)
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("%w: list: %w", ErrStorage, err)
		}
		return values, nil
	})
}

// Entries returns every value in the store along with when it was first
// seen.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	return offload(ctx, func() ([]Entry, error) {
		entries := []Entry{}
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketBroadcast)
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				value, err := decodeKey(k)
				if err != nil {
					return err
				}
				var rec record
				if err := decodeRecord(v, &rec); err != nil {
					return fmt.Errorf("decode: %d: %w", value, err)
				}
				entries = append(entries, Entry{
					Value:  value,
					SeenAt: time.UnixMilli(rec.SeenAt),
				})
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("%w: entries: %w", ErrStorage, err)
		}
		return entries, nil
	})
}

// Len returns the number of values in the store.
func (s *Store) Len(ctx context.Context) (int, error) {
	return offload(ctx, s.count)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Metrics() *Metrics {
	return s.metrics
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) insert(value uint64) (bool, error) {
	rec, err := encodeRecord(&record{SeenAt: time.Now().UnixMilli()})
	if err != nil {
		return false, fmt.Errorf("%w: encode: %w", ErrStorage, err)
	}

	added := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketBroadcast)
		if err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}

		k := encodeKey(value)
		if b.Get(k) != nil {
			// Already seen so leave the original record.
			return nil
		}
		if err := b.Put(k, rec); err != nil {
			return fmt.Errorf("put: %w", err)
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: insert: %d: %w", ErrStorage, value, err)
	}

	s.logger.Debug(
		"insert",
		zap.Uint64("value", value),
		zap.Bool("added", added),
	)

	return added, nil
}

func (s *Store) count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBroadcast)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrStorage, err)
	}
	return n, nil
}

type result[T any] struct {
	v   T
	err error
}

// offload runs f on a separate goroutine so blocking disk I/O doesn't run on
// the callers goroutine, then waits for the result or for ctx to be done.
func offload[T any](ctx context.Context, f func() (T, error)) (T, error) {
	ch := make(chan result[T], 1)
	go func() {
		v, err := f()
		ch <- result[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func encodeKey(value uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, value)
	return b
}

func decodeKey(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid key length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeRecord(rec *record) ([]byte, error) {
	var handle codec.MsgpackHandle
	var b []byte
	if err := codec.NewEncoderBytes(&b, &handle).Encode(rec); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeRecord(b []byte, rec *record) error {
	var handle codec.MsgpackHandle
	return codec.NewDecoderBytes(b, &handle).Decode(rec)
}
