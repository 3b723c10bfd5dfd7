// Package observer captures the edits made to sync-relevant layers as change
// records. It owns one active delta log, written while the user edits, and at
// most one committed log waiting to be shipped.
package observer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"

	"fieldsync/internal/deltalog"
	"fieldsync/internal/layer"
	"fieldsync/internal/metrics"
)

const (
	currentLogName  = "deltafile.log"
	archiveLogStamp = "20060102T150405.000"
)

type Option func(*Observer)

// WithClock replaces time.Now for record timestamps and log names.
func WithClock(now func() time.Time) Option {
	return func(o *Observer) {
		if now != nil {
			o.now = now
		}
	}
}

// Observer is the only writer of change records. Events are queued by Push
// and handled one at a time in arrival order; it is safe to push from a
// dirty-state listener.
type Observer struct {
	store deltalog.Store
	dir   string
	now   func() time.Time

	mu        sync.Mutex
	queue     []layer.Event
	subs      map[string]*subscription
	active    deltalog.Log
	committed deltalog.Log
	dirty     bool
	lastStamp time.Time
	listeners []func(bool)
	notes     []bool
	closed    bool
}

// New opens the current log under dir, along with the committed log left by
// an earlier session, if any.
func New(ctx context.Context, store deltalog.Store, dir string, opts ...Option) (*Observer, error) {
	o := &Observer{
		store: store,
		dir:   dir,
		now:   time.Now,
		subs:  make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(o)
	}
	active, err := store.Open(ctx, o.GenerateLogFileName(true))
	if err != nil {
		return nil, fmt.Errorf("open current delta log: %w", err)
	}
	committed, err := store.LastSealed(ctx)
	if err != nil {
		return nil, fmt.Errorf("load committed delta log: %w", err)
	}
	o.active = active
	o.committed = committed
	o.dirty = active.IsDirty()
	return o, nil
}

// GenerateLogFileName returns the path of the current log when isCurrent is
// set, otherwise a timestamped path for an archived log.
func (o *Observer) GenerateLogFileName(isCurrent bool) string {
	if isCurrent {
		return filepath.Join(o.dir, currentLogName)
	}
	return o.archiveName(o.now())
}

func (o *Observer) archiveName(at time.Time) string {
	return filepath.Join(o.dir, "deltafile_"+at.UTC().Format(archiveLogStamp)+".log")
}

// AttachLayer starts capturing the edits of l. Layers without the
// SyncRelevant capability are ignored and false is returned.
func (o *Observer) AttachLayer(l layer.Layer) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attachLocked(l)
}

func (o *Observer) attachLocked(l layer.Layer) bool {
	if o.closed || !l.Capabilities().Has(layer.SyncRelevant) {
		return false
	}
	if _, ok := o.subs[l.ID()]; ok {
		return true
	}
	sub := newSubscription(l)
	if n, ok := l.(layer.Notifier); ok {
		sub.unsubscribe = n.Subscribe(o)
	}
	o.subs[l.ID()] = sub
	glog.V(1).Infof("observing layer id=%s name=%q", l.ID(), l.Name())
	return true
}

// DetachLayer stops capturing the edits of the layer with the given id.
func (o *Observer) DetachLayer(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detachLocked(id)
}

func (o *Observer) detachLocked(id string) {
	sub, ok := o.subs[id]
	if !ok {
		return
	}
	if sub.unsubscribe != nil {
		sub.unsubscribe()
	}
	delete(o.subs, id)
	glog.V(1).Infof("stopped observing layer id=%s", id)
}

// Layers returns the ids of the observed layers.
func (o *Observer) Layers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	return ids
}

// Push queues events and handles everything queued so far.
func (o *Observer) Push(events ...layer.Event) {
	o.mu.Lock()
	o.queue = append(o.queue, events...)
	o.drainLocked()
	o.notifyUnlock()
}

func (o *Observer) drainLocked() {
	for len(o.queue) > 0 {
		ev := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.handleLocked(ev)
	}
	o.queue = nil
}

func (o *Observer) handleLocked(ev layer.Event) {
	switch e := ev.(type) {
	case layer.LayerAdded:
		o.attachLocked(e.Added)
		return
	case layer.LayerRemoved:
		o.detachLocked(e.LayerID)
		return
	}
	sub, ok := o.subs[ev.Layer()]
	if !ok {
		return
	}
	for _, rec := range sub.handle(ev, o.now()) {
		o.writeLocked(rec)
	}
}

func (o *Observer) writeLocked(rec deltalog.Record) {
	if rec.Empty() {
		return
	}
	if err := o.active.Append(context.Background(), rec); err != nil {
		glog.Errorf("append %s delta layer=%s record=%d to %s: %v", rec.Kind, rec.LayerID, rec.RecordID, o.active.Path(), err)
		return
	}
	metrics.DeltasWritten.WithLabelValues(string(rec.Kind)).Inc()
	o.setDirtyLocked(true)
}

func (o *Observer) setDirtyLocked(dirty bool) {
	if o.dirty == dirty {
		return
	}
	o.dirty = dirty
	o.notes = append(o.notes, dirty)
}

// notifyUnlock releases the lock and then delivers the queued dirty-state
// changes.
func (o *Observer) notifyUnlock() {
	notes := o.notes
	o.notes = nil
	listeners := o.listeners
	o.mu.Unlock()
	for _, dirty := range notes {
		for _, fn := range listeners {
			fn(dirty)
		}
	}
}

// OnDirtyChanged registers fn to be called whenever IsDirty flips.
func (o *Observer) OnDirtyChanged(fn func(dirty bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// IsDirty reports whether records were written since the last commit or
// reset.
func (o *Observer) IsDirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty
}

// HasError reports whether the active or the committed log failed a read or
// a write.
func (o *Observer) HasError() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active.HasError() {
		return true
	}
	return o.committed != nil && o.committed.HasError()
}

func (o *Observer) CurrentLog() deltalog.Log {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// CommittedLog returns the sealed log waiting to be shipped, or nil.
func (o *Observer) CommittedLog() deltalog.Log {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed
}

// Commit handles any queued events, seals the active log as the committed
// one and opens a fresh active log. On failure nothing changes and false is
// returned.
func (o *Observer) Commit(ctx context.Context) bool {
	o.mu.Lock()
	o.drainLocked()

	stamp := o.now()
	if !stamp.After(o.lastStamp) {
		stamp = o.lastStamp.Add(time.Millisecond)
	}
	archive := o.archiveName(stamp)

	committed, active, err := o.store.Rotate(ctx, o.active, archive, o.GenerateLogFileName(true))
	if err != nil {
		metrics.Commits.WithLabelValues("failed").Inc()
		glog.Errorf("commit delta log %s: %v", o.active.Path(), err)
		o.notifyUnlock()
		return false
	}
	o.lastStamp = stamp
	previous := o.committed
	o.committed, o.active = committed, active
	if previous != nil {
		if err := o.store.Remove(ctx, previous); err != nil {
			glog.Warningf("remove previous committed log %s: %v", previous.Path(), err)
		}
	}
	metrics.Commits.WithLabelValues("ok").Inc()
	glog.Infof("committed delta log %s records=%d", committed.Path(), committed.Count())
	o.setDirtyLocked(false)
	o.notifyUnlock()
	return true
}

// Reset discards the uncommitted records. A hard reset also discards the
// committed log. Subscriptions are kept.
func (o *Observer) Reset(ctx context.Context, hard bool) error {
	o.mu.Lock()
	var errs []error
	if err := o.active.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear active log: %w", err))
	}
	if hard && o.committed != nil {
		if err := o.store.Remove(ctx, o.committed); err != nil {
			errs = append(errs, fmt.Errorf("remove committed log: %w", err))
		} else {
			o.committed = nil
		}
	}
	o.setDirtyLocked(false)
	o.notifyUnlock()
	if len(errs) > 0 {
		glog.Errorf("reset delta logs hard=%t: %v", hard, errs)
		return errs[0]
	}
	return nil
}

// ReleaseCommitted drops the committed log once its records were delivered.
// log must be the committed log; if a newer commit replaced it, nothing is
// removed.
func (o *Observer) ReleaseCommitted(ctx context.Context, log deltalog.Log) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if log == nil || o.committed != log {
		return nil
	}
	if err := o.store.Remove(ctx, log); err != nil {
		return fmt.Errorf("release committed log %s: %w", log.Path(), err)
	}
	o.committed = nil
	return nil
}

// Close detaches every layer. The store stays open and belongs to the
// caller.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.subs {
		o.detachLocked(id)
	}
	o.closed = true
}

var _ layer.Sink = (*Observer)(nil)
