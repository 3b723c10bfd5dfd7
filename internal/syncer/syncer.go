// Package syncer ships the observer's committed delta log to the ingest
// server.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"fieldsync/internal/deltalog"
	"fieldsync/internal/eventloop"
	"fieldsync/internal/observer"
	"fieldsync/internal/request"
)

const pushPath = "/deltas/push"

// Config addresses the ingest server.
type Config struct {
	URL      string
	Token    string
	ClientID string

	// Retries of zero selects request.DefaultRetries; a negative value
	// disables retrying.
	Retries    int
	MaxBackoff time.Duration

	// IgnoredTLSFaults are certificate faults the user accepted for this
	// server.
	IgnoredTLSFaults []request.TLSFault
}

// Batch is the body of a push.
type Batch struct {
	ClientID string            `json:"clientId"`
	BatchID  string            `json:"batchId"`
	Deltas   []deltalog.Record `json:"deltas"`
}

// Result describes a finished push.
type Result struct {
	Log       string
	BatchID   string
	Deltas    int
	ServerSeq int64
	Attempts  int
}

type Option func(*Uploader)

// WithListener observes the underlying request of every push.
func WithListener(l request.Listener) Option {
	return func(u *Uploader) { u.listener = l }
}

// WithBatchIDs replaces the batch id generator.
func WithBatchIDs(next func() string) Option {
	return func(u *Uploader) { u.batchID = next }
}

type Uploader struct {
	obs       *observer.Observer
	exec      eventloop.Executor
	transport request.Transport
	cfg       Config
	listener  request.Listener
	batchID   func() string
}

func New(obs *observer.Observer, exec eventloop.Executor, transport request.Transport, cfg Config, opts ...Option) (*Uploader, error) {
	if cfg.URL == "" {
		return nil, errors.New("ingest url is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	switch {
	case cfg.Retries == 0:
		cfg.Retries = request.DefaultRetries
	case cfg.Retries < 0:
		cfg.Retries = 0
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = request.DefaultMaxBackoff
	}
	u := &Uploader{
		obs:       obs,
		exec:      exec,
		transport: transport,
		cfg:       cfg,
		batchID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Push uploads the committed log. Nothing is sent when there is no
// committed log. The log is released once the server accepted it and kept
// otherwise, so a later push sends it again.
func (u *Uploader) Push(ctx context.Context) (Result, error) {
	log := u.obs.CommittedLog()
	if log == nil {
		return Result{}, nil
	}
	result := Result{Log: log.Path()}
	records, err := log.Records(ctx)
	if err != nil {
		return result, fmt.Errorf("read committed log %s: %w", log.Path(), err)
	}
	if len(records) == 0 {
		return result, u.obs.ReleaseCommitted(ctx, log)
	}

	batch := Batch{ClientID: u.cfg.ClientID, BatchID: u.batchID(), Deltas: records}
	body, err := json.Marshal(batch)
	if err != nil {
		return result, fmt.Errorf("encode batch: %w", err)
	}
	result.BatchID = batch.BatchID
	result.Deltas = len(records)

	op := request.Operation{
		Method: http.MethodPost,
		URL:    strings.TrimRight(u.cfg.URL, "/") + pushPath,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}
	if u.cfg.Token != "" {
		op.Header.Set("Authorization", "Bearer "+u.cfg.Token)
	}
	listener := u.listener
	temporary := listener.TemporaryErrorOccurred
	listener.TemporaryErrorOccurred = func(f *request.Fault) {
		glog.Warningf("delta push retrying batch=%s: %v", batch.BatchID, f)
		if temporary != nil {
			temporary(f)
		}
	}
	req := request.New(u.exec, u.transport, op,
		request.WithRetries(u.cfg.Retries),
		request.WithMaxBackoff(u.cfg.MaxBackoff),
		request.WithIgnoredTLSFaults(u.cfg.IgnoredTLSFaults...),
		request.WithListener(listener),
	)
	outcome, err := req.Wait(ctx)
	result.Attempts = outcome.Attempts
	if err != nil {
		glog.Errorf("delta push failed log=%s batch=%s attempts=%d: %v", log.Path(), batch.BatchID, outcome.Attempts, err)
		return result, fmt.Errorf("push %s: %w", log.Path(), err)
	}

	var accepted struct {
		ServerSeq int64 `json:"serverSeq"`
	}
	if err := json.Unmarshal(outcome.Response.Body, &accepted); err != nil {
		glog.Warningf("delta push response decode batch=%s: %v", batch.BatchID, err)
	}
	result.ServerSeq = accepted.ServerSeq
	if err := u.obs.ReleaseCommitted(ctx, log); err != nil {
		return result, err
	}
	glog.Infof("delta push done log=%s batch=%s deltas=%d seq=%d attempts=%d", log.Path(), batch.BatchID, len(records), accepted.ServerSeq, outcome.Attempts)
	return result, nil
}
