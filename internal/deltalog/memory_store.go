package deltalog

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore keeps logs in memory. Useful for tests and for hosts that ship
// every commit right away.
type MemoryStore struct {
	mu     sync.Mutex
	logs   map[string]*memoryLog
	seq    int
	closed bool
}

type memoryLog struct {
	logState
	store    *MemoryStore
	order    int
	sealedAt int
	records  []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*memoryLog)}
}

func (s *MemoryStore) Open(ctx context.Context, path string) (Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if l, ok := s.logs[path]; ok {
		if l.Sealed() {
			return nil, fmt.Errorf("open %s: %w", path, ErrSealed)
		}
		return l, nil
	}
	return s.createLocked(path), nil
}

func (s *MemoryStore) createLocked(path string) *memoryLog {
	s.seq++
	l := &memoryLog{logState: logState{path: path}, store: s, order: s.seq}
	s.logs[path] = l
	return l
}

func (s *MemoryStore) Rotate(ctx context.Context, active Log, archivePath, nextPath string) (Log, Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	l, ok := active.(*memoryLog)
	if !ok || l.store != s || s.logs[l.Path()] != l {
		return nil, nil, fmt.Errorf("rotate %s: %w", active.Path(), ErrUnknownLog)
	}
	if l.Sealed() {
		return nil, nil, fmt.Errorf("rotate %s: %w", l.Path(), ErrSealed)
	}
	if _, taken := s.logs[archivePath]; taken {
		return nil, nil, fmt.Errorf("rotate %s: archive path %s already in use", l.Path(), archivePath)
	}
	delete(s.logs, l.Path())
	s.seq++
	l.sealedAt = s.seq
	l.seal(archivePath)
	s.logs[archivePath] = l
	return l, s.createLocked(nextPath), nil
}

func (s *MemoryStore) LastSealed(ctx context.Context) (Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *memoryLog
	for _, l := range s.logs {
		if l.Sealed() && (last == nil || l.sealedAt > last.sealedAt) {
			last = l
		}
	}
	if last == nil {
		return nil, nil
	}
	return last, nil
}

func (s *MemoryStore) Remove(ctx context.Context, log Log) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := log.(*memoryLog)
	if !ok || s.logs[l.Path()] != l {
		return fmt.Errorf("remove %s: %w", log.Path(), ErrUnknownLog)
	}
	delete(s.logs, l.Path())
	return nil
}

// Paths lists the paths of every log in the store, sorted.
func (s *MemoryStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.logs))
	for p := range s.logs {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (l *memoryLog) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return l.fail(err)
	}
	if err := l.writable(); err != nil {
		return fmt.Errorf("append to %s: %w", l.Path(), err)
	}
	l.store.mu.Lock()
	l.records = append(l.records, rec)
	l.store.mu.Unlock()
	l.appended()
	return nil
}

func (l *memoryLog) Records(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	return slices.Clone(l.records), nil
}

func (l *memoryLog) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.Sealed() {
		return fmt.Errorf("clear %s: %w", l.Path(), ErrSealed)
	}
	l.store.mu.Lock()
	l.records = nil
	l.store.mu.Unlock()
	l.cleared()
	return nil
}

var _ Store = (*MemoryStore)(nil)
