// Package request turns one logical HTTP operation into a bounded series of
// physical attempts with jittered backoff between them, and reports a single
// final outcome.
package request

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"fieldsync/internal/eventloop"
	"fieldsync/internal/metrics"
)

const (
	DefaultRetries    = 5
	DefaultMaxBackoff = 2000 * time.Millisecond

	// maxSilentRestarts bounds the attempts restarted because a transport
	// reported nothing but ignored TLS faults.
	maxSilentRestarts = 3
)

// Status is the terminal state of a request.
type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "pending"
	}
}

// Outcome is what a finished request resolved to.
type Outcome struct {
	Status   Status
	Response *Response
	Fault    *Fault
	Attempts int
}

// Err returns nil on success, the terminal fault on failure and ErrAborted
// on cancellation.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusSucceeded:
		return nil
	case StatusCanceled:
		return ErrAborted
	case StatusFailed:
		return o.Fault
	default:
		return fmt.Errorf("request not finished")
	}
}

// Listener receives the request's notifications. Every callback runs on the
// executor; nil callbacks are skipped.
type Listener struct {
	DownloadProgress func(done, total int64)
	UploadProgress   func(done, total int64)
	Encrypted        func()

	// Finished fires exactly once.
	Finished func(Outcome)

	// Retry fires when attempt number attempt starts after a backoff.
	Retry func(attempt int)

	// ErrorOccurred fires once, before Finished, when the request fails.
	ErrorOccurred func(*Fault)

	// TemporaryErrorOccurred fires for each failed attempt that is retried.
	TemporaryErrorOccurred func(*Fault)
}

type Option func(*Request)

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int) Option {
	return func(r *Request) {
		if n >= 0 {
			r.retries = n
		}
	}
}

// WithMaxBackoff bounds the random delay between attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(r *Request) {
		if d >= 0 {
			r.maxBackoff = d
		}
	}
}

// WithRand sets the source of the backoff delays.
func WithRand(rng *rand.Rand) Option {
	return func(r *Request) {
		if rng != nil {
			r.rng = rng
		}
	}
}

func WithListener(l Listener) Option {
	return func(r *Request) { r.listener = l }
}

// WithIgnoredTLSFaults pre-approves certificate faults.
func WithIgnoredTLSFaults(faults ...TLSFault) Option {
	return func(r *Request) { r.ignored = append(r.ignored, faults...) }
}

// Request drives one Operation to a final Outcome. All state transitions
// happen on the executor; Abort and the accessors may be called from any
// goroutine.
type Request struct {
	exec      eventloop.Executor
	transport Transport
	op        Operation
	listener  Listener

	retries    int
	maxBackoff time.Duration
	rng        *rand.Rand
	policy     backoff.BackOff

	mu        sync.Mutex
	ignored   []TLSFault
	finished  bool
	attemptNo int
	retried   int
	silent    int
	restarted bool
	attempt   Attempt
	timer     eventloop.Timer
	outcome   Outcome
	upTotal   int64
	downTotal int64
	done      chan struct{}
}

// New creates the request and schedules its first attempt on exec.
func New(exec eventloop.Executor, transport Transport, op Operation, opts ...Option) *Request {
	r := &Request{
		exec:       exec,
		transport:  transport,
		op:         op,
		retries:    DefaultRetries,
		maxBackoff: DefaultMaxBackoff,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	r.policy = newPolicy(r.retries, r.maxBackoff, r.rng)
	exec.Post(r.send)
	return r
}

// Operation returns the operation the request performs.
func (r *Request) Operation() Operation {
	return r.op
}

func (r *Request) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// RetriesLeft is the number of retries still available.
func (r *Request) RetriesLeft() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries - r.retried
}

// Result returns the outcome; its Status is StatusPending until the request
// finishes.
func (r *Request) Result() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Done is closed once the Finished notification has been delivered.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request finishes. When ctx ends first the request is
// aborted.
func (r *Request) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		o := r.Result()
		return o, o.Err()
	case <-ctx.Done():
		r.Abort()
		return r.Result(), ctx.Err()
	}
}

// IgnoreTLSFaults adds faults to the pre-approved set. It applies to
// attempts started afterwards.
func (r *Request) IgnoreTLSFaults(faults ...TLSFault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range faults {
		if !slices.Contains(r.ignored, f) {
			r.ignored = append(r.ignored, f)
		}
	}
}

// Abort cancels the in-flight attempt or pending backoff and finishes the
// request as canceled. Calling it on a finished request does nothing.
func (r *Request) Abort() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.outcome = Outcome{
		Status:   StatusCanceled,
		Fault:    &Fault{Kind: FaultCanceled, Err: ErrAborted},
		Attempts: r.attemptNo,
	}
	attempt, timer := r.attempt, r.timer
	r.attempt, r.timer = nil, nil
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if attempt != nil {
		attempt.Abort()
	}
	glog.V(1).Infof("request aborted method=%s url=%s", r.op.Method, r.op.URL)
	r.exec.Post(r.notifyFinished)
}

func (r *Request) send() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.attemptNo++
	n := r.attemptNo
	ignored := slices.Clone(r.ignored)
	upTotal, downTotal := r.upTotal, r.downTotal
	restarted := r.restarted
	r.restarted = false
	r.mu.Unlock()

	if n > 1 {
		// progress of the discarded attempt starts over
		r.emitProgress(r.listener.UploadProgress, 0, upTotal)
		r.emitProgress(r.listener.DownloadProgress, 0, downTotal)
		if !restarted && r.listener.Retry != nil {
			r.listener.Retry(n)
		}
	}

	metrics.RequestAttempts.Inc()
	glog.V(2).Infof("request attempt=%d method=%s url=%s", n, r.op.Method, r.op.URL)
	attempt := r.transport.Begin(&r.op, ignored, &attemptSink{r: r, n: n})

	r.mu.Lock()
	if r.finished || r.attemptNo != n {
		// aborted while Begin was running
		r.mu.Unlock()
		attempt.Abort()
		return
	}
	r.attempt = attempt
	r.mu.Unlock()
}

// current reports whether attempt n is the live one.
func (r *Request) current(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.finished && r.attemptNo == n
}

func (r *Request) onProgress(n int, upload bool, done, total int64) {
	r.mu.Lock()
	if r.finished || r.attemptNo != n {
		r.mu.Unlock()
		return
	}
	if upload {
		r.upTotal = total
	} else {
		r.downTotal = total
	}
	r.mu.Unlock()
	if upload {
		r.emitProgress(r.listener.UploadProgress, done, total)
	} else {
		r.emitProgress(r.listener.DownloadProgress, done, total)
	}
}

func (r *Request) onEncrypted(n int) {
	if r.current(n) && r.listener.Encrypted != nil {
		r.listener.Encrypted()
	}
}

func (r *Request) onFinished(n int, resp *Response, fault *Fault) {
	r.mu.Lock()
	if r.finished || r.attemptNo != n {
		r.mu.Unlock()
		return
	}
	r.attempt = nil

	if fault == nil {
		r.finished = true
		r.outcome = Outcome{Status: StatusSucceeded, Response: resp, Attempts: n}
		r.mu.Unlock()
		r.notifyFinished()
		return
	}

	reported := fault
	fault = fault.withoutIgnored(r.ignored)
	if fault == nil {
		if resp != nil {
			r.finished = true
			r.outcome = Outcome{Status: StatusSucceeded, Response: resp, Attempts: n}
			r.mu.Unlock()
			r.notifyFinished()
			return
		}
		if r.silent < maxSilentRestarts {
			// only approved faults: start over without spending a retry
			r.silent++
			r.restarted = true
			r.mu.Unlock()
			glog.V(1).Infof("request restarting after ignored tls faults attempt=%d url=%s: %v", n, r.op.URL, reported)
			r.exec.Post(r.send)
			return
		}
		fault = reported
	}
	if fault.Transient() {
		if delay := r.policy.NextBackOff(); delay != backoff.Stop {
			r.retried++
			r.timer = r.exec.AfterFunc(delay, r.send)
			r.mu.Unlock()

			metrics.RequestTransientFaults.WithLabelValues(fault.Kind.String()).Inc()
			glog.Warningf("request transient fault attempt=%d url=%s delay=%s: %v", n, r.op.URL, delay, fault)
			if r.listener.TemporaryErrorOccurred != nil {
				r.listener.TemporaryErrorOccurred(fault)
			}
			return
		}
	}

	r.finished = true
	r.outcome = Outcome{Status: StatusFailed, Response: resp, Fault: fault, Attempts: n}
	r.mu.Unlock()

	glog.Errorf("request failed attempts=%d method=%s url=%s: %v", n, r.op.Method, r.op.URL, fault)
	if r.listener.ErrorOccurred != nil {
		r.listener.ErrorOccurred(fault)
	}
	r.notifyFinished()
}

func (r *Request) notifyFinished() {
	outcome := r.Result()
	metrics.RequestOutcomes.WithLabelValues(outcome.Status.String()).Inc()
	if r.listener.Finished != nil {
		r.listener.Finished(outcome)
	}
	close(r.done)
}

func (r *Request) emitProgress(fn func(done, total int64), done, total int64) {
	if fn != nil {
		fn(done, total)
	}
}

// attemptSink moves transport notifications of attempt n onto the executor.
type attemptSink struct {
	r *Request
	n int
}

func (s *attemptSink) UploadProgress(done, total int64) {
	s.r.exec.Post(func() { s.r.onProgress(s.n, true, done, total) })
}

func (s *attemptSink) DownloadProgress(done, total int64) {
	s.r.exec.Post(func() { s.r.onProgress(s.n, false, done, total) })
}

func (s *attemptSink) Encrypted() {
	s.r.exec.Post(func() { s.r.onEncrypted(s.n) })
}

func (s *attemptSink) Finished(resp *Response, fault *Fault) {
	s.r.exec.Post(func() { s.r.onFinished(s.n, resp, fault) })
}
