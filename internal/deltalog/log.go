// Package deltalog stores the append-only logs of change records written by
// the observer. A store holds any number of logs addressed by path; at most
// one of them is written to at a time.
package deltalog

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrSealed     = errors.New("delta log is sealed")
	ErrClosed     = errors.New("delta store is closed")
	ErrUnknownLog = errors.New("unknown delta log")
)

// Log is a single delta log.
type Log interface {
	Path() string

	// Append adds a record at the end of the log. A failed append leaves the
	// log in the error state until Clear succeeds.
	Append(ctx context.Context, rec Record) error

	// Records returns the records in append order.
	Records(ctx context.Context) ([]Record, error)

	Count() int
	Sealed() bool

	// IsDirty reports whether the log holds any record.
	IsDirty() bool
	HasError() bool

	// Clear drops every record and resets the error state.
	Clear(ctx context.Context) error
}

// Store creates, rotates and removes delta logs.
type Store interface {
	// Open returns the unsealed log at path, creating it when missing.
	Open(ctx context.Context, path string) (Log, error)

	// Rotate seals active under archivePath and opens an empty log at
	// nextPath. Either both happen or neither does.
	Rotate(ctx context.Context, active Log, archivePath, nextPath string) (committed Log, next Log, err error)

	// LastSealed returns the most recently sealed log, or nil.
	LastSealed(ctx context.Context) (Log, error)

	Remove(ctx context.Context, log Log) error
	Close() error
}

// logState is the bookkeeping shared by every backend's Log.
type logState struct {
	mu     sync.Mutex
	path   string
	sealed bool
	failed bool
	count  int
}

func (s *logState) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *logState) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func (s *logState) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *logState) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count > 0
}

func (s *logState) HasError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *logState) writable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		s.failed = true
		return ErrSealed
	}
	return nil
}

func (s *logState) appended() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
}

func (s *logState) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
	return err
}

func (s *logState) cleared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	s.failed = false
}

func (s *logState) seal(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.sealed = true
}
