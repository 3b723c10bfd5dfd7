package deltalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLogs    = []byte("logs")
	bucketPaths   = []byte("paths")
	bucketRecords = []byte("records")
	keyPath       = []byte("path")
	keySealed     = []byte("sealed")
	keySealedSeq  = []byte("sealed_seq")
)

// BoltStore keeps delta logs in a bbolt file. Each log is a nested bucket
// under "logs"; "paths" maps a log path to its bucket key.
type BoltStore struct {
	db *bolt.DB
}

type boltLog struct {
	logState
	store *BoltStore
	key   []byte
}

func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bolt path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLogs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPaths)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Open(ctx context.Context, path string) (Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var l *boltLog
	err := s.db.Update(func(tx *bolt.Tx) error {
		if key := tx.Bucket(bucketPaths).Get([]byte(path)); key != nil {
			b := tx.Bucket(bucketLogs).Bucket(key)
			if b == nil {
				return fmt.Errorf("log bucket for %s: %w", path, ErrUnknownLog)
			}
			if isSealed(b) {
				return fmt.Errorf("open %s: %w", path, ErrSealed)
			}
			l = s.wrap(key, path, b)
			return nil
		}
		key, err := createLogBucket(tx, path)
		if err != nil {
			return err
		}
		l = &boltLog{logState: logState{path: path}, store: s, key: key}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *BoltStore) wrap(key []byte, path string, b *bolt.Bucket) *boltLog {
	count := 0
	if records := b.Bucket(bucketRecords); records != nil {
		count = records.Stats().KeyN
	}
	return &boltLog{
		logState: logState{path: path, sealed: isSealed(b), count: count},
		store:    s,
		key:      append([]byte(nil), key...),
	}
}

func (s *BoltStore) Rotate(ctx context.Context, active Log, archivePath, nextPath string) (Log, Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	l, ok := active.(*boltLog)
	if !ok || l.store != s {
		return nil, nil, fmt.Errorf("rotate %s: %w", active.Path(), ErrUnknownLog)
	}
	if l.Sealed() {
		return nil, nil, fmt.Errorf("rotate %s: %w", l.Path(), ErrSealed)
	}
	var next *boltLog
	err := s.db.Update(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)
		paths := tx.Bucket(bucketPaths)
		b := logs.Bucket(l.key)
		if b == nil {
			return fmt.Errorf("rotate %s: %w", l.Path(), ErrUnknownLog)
		}
		if paths.Get([]byte(archivePath)) != nil {
			return fmt.Errorf("rotate %s: archive path %s already in use", l.Path(), archivePath)
		}
		seq, err := paths.NextSequence()
		if err != nil {
			return err
		}
		if err := paths.Delete([]byte(l.Path())); err != nil {
			return err
		}
		if err := paths.Put([]byte(archivePath), l.key); err != nil {
			return err
		}
		if err := b.Put(keyPath, []byte(archivePath)); err != nil {
			return err
		}
		if err := b.Put(keySealed, []byte{1}); err != nil {
			return err
		}
		if err := b.Put(keySealedSeq, itob(seq)); err != nil {
			return err
		}
		key, err := createLogBucket(tx, nextPath)
		if err != nil {
			return err
		}
		next = &boltLog{logState: logState{path: nextPath}, store: s, key: key}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	l.seal(archivePath)
	return l, next, nil
}

func (s *BoltStore) LastSealed(ctx context.Context) (Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last *boltLog
	err := s.db.View(func(tx *bolt.Tx) error {
		var best uint64
		logs := tx.Bucket(bucketLogs)
		return logs.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			b := logs.Bucket(k)
			if !isSealed(b) {
				return nil
			}
			seq := btoi(b.Get(keySealedSeq))
			if last == nil || seq > best {
				best = seq
				last = s.wrap(k, string(b.Get(keyPath)), b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("lookup sealed log: %w", err)
	}
	if last == nil {
		return nil, nil
	}
	return last, nil
}

func (s *BoltStore) Remove(ctx context.Context, log Log) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, ok := log.(*boltLog)
	if !ok || l.store != s {
		return fmt.Errorf("remove %s: %w", log.Path(), ErrUnknownLog)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPaths).Delete([]byte(l.Path())); err != nil {
			return err
		}
		if err := tx.Bucket(bucketLogs).DeleteBucket(l.key); err != nil {
			return fmt.Errorf("delete log %s: %w", l.Path(), err)
		}
		return nil
	})
}

func (l *boltLog) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return l.fail(err)
	}
	if err := l.writable(); err != nil {
		return fmt.Errorf("append to %s: %w", l.Path(), err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return l.fail(fmt.Errorf("encode record: %w", err))
	}
	err = l.store.db.Update(func(tx *bolt.Tx) error {
		records, err := l.records(tx)
		if err != nil {
			return err
		}
		seq, err := records.NextSequence()
		if err != nil {
			return err
		}
		return records.Put(itob(seq), payload)
	})
	if err != nil {
		return l.fail(fmt.Errorf("put record: %w", err))
	}
	l.appended()
	return nil
}

func (l *boltLog) Records(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Record, 0, l.Count())
	err := l.store.db.View(func(tx *bolt.Tx) error {
		records, err := l.records(tx)
		if err != nil {
			return err
		}
		return records.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, l.fail(err)
	}
	return out, nil
}

func (l *boltLog) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.Sealed() {
		return fmt.Errorf("clear %s: %w", l.Path(), ErrSealed)
	}
	err := l.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs).Bucket(l.key)
		if b == nil {
			return ErrUnknownLog
		}
		if err := b.DeleteBucket(bucketRecords); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := b.CreateBucket(bucketRecords)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear %s: %w", l.Path(), err)
	}
	l.cleared()
	return nil
}

// records returns the records bucket of the log. In a read-only transaction
// the bucket must already exist.
func (l *boltLog) records(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketLogs).Bucket(l.key)
	if b == nil {
		return nil, fmt.Errorf("log %s: %w", l.Path(), ErrUnknownLog)
	}
	records := b.Bucket(bucketRecords)
	if records == nil {
		return nil, fmt.Errorf("log %s has no records bucket: %w", l.Path(), ErrUnknownLog)
	}
	return records, nil
}

func createLogBucket(tx *bolt.Tx, path string) ([]byte, error) {
	logs := tx.Bucket(bucketLogs)
	id, err := logs.NextSequence()
	if err != nil {
		return nil, err
	}
	key := itob(id)
	b, err := logs.CreateBucket(key)
	if err != nil {
		return nil, fmt.Errorf("create log %s: %w", path, err)
	}
	if err := b.Put(keyPath, []byte(path)); err != nil {
		return nil, err
	}
	if _, err := b.CreateBucket(bucketRecords); err != nil {
		return nil, err
	}
	if err := tx.Bucket(bucketPaths).Put([]byte(path), key); err != nil {
		return nil, err
	}
	return key, nil
}

func isSealed(b *bolt.Bucket) bool {
	v := b.Get(keySealed)
	return len(v) == 1 && v[0] == 1
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

var _ Store = (*BoltStore)(nil)
