package request

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"mime"
	"mime/multipart"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/eventloop"
)

// step scripts what one attempt does once begun. A nil step leaves the
// attempt in flight.
type step func(a *fakeAttempt)

type fakeAttempt struct {
	op      *Operation
	ignored []TLSFault
	sink    AttemptSink

	mu      sync.Mutex
	aborted bool
}

func (a *fakeAttempt) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = true
}

func (a *fakeAttempt) wasAborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted
}

type fakeTransport struct {
	mu       sync.Mutex
	script   []step
	attempts []*fakeAttempt
}

func (t *fakeTransport) Begin(op *Operation, ignored []TLSFault, sink AttemptSink) Attempt {
	t.mu.Lock()
	a := &fakeAttempt{op: op, ignored: ignored, sink: sink}
	t.attempts = append(t.attempts, a)
	var s step
	if len(t.script) > 0 {
		s, t.script = t.script[0], t.script[1:]
	}
	t.mu.Unlock()
	if s != nil {
		s(a)
	}
	return a
}

func (t *fakeTransport) begun() []*fakeAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeAttempt(nil), t.attempts...)
}

func fail(kind FaultKind) step {
	return func(a *fakeAttempt) { a.sink.Finished(nil, &Fault{Kind: kind}) }
}

func failStatus(status int) step {
	return func(a *fakeAttempt) {
		a.sink.Finished(&Response{StatusCode: status}, &Fault{Kind: FaultHTTP, Status: status})
	}
}

func succeed(body string) step {
	return func(a *fakeAttempt) {
		a.sink.Finished(&Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil)
	}
}

// recorder collects listener callbacks in order.
type recorder struct {
	events    []string
	temporary []*Fault
	errors    []*Fault
	retries   []int
	outcomes  []Outcome
	uploads   [][2]int64
}

func (rec *recorder) listener() Listener {
	return Listener{
		UploadProgress: func(done, total int64) {
			rec.events = append(rec.events, "upload")
			rec.uploads = append(rec.uploads, [2]int64{done, total})
		},
		DownloadProgress: func(done, total int64) { rec.events = append(rec.events, "download") },
		Encrypted:        func() { rec.events = append(rec.events, "encrypted") },
		Retry: func(attempt int) {
			rec.events = append(rec.events, "retry")
			rec.retries = append(rec.retries, attempt)
		},
		TemporaryErrorOccurred: func(f *Fault) {
			rec.events = append(rec.events, "temporary")
			rec.temporary = append(rec.temporary, f)
		},
		ErrorOccurred: func(f *Fault) {
			rec.events = append(rec.events, "error")
			rec.errors = append(rec.errors, f)
		},
		Finished: func(o Outcome) {
			rec.events = append(rec.events, "finished")
			rec.outcomes = append(rec.outcomes, o)
		},
	}
}

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func newTestRequest(t *testing.T, transport Transport, opts ...Option) (*Request, *eventloop.Manual, *recorder) {
	t.Helper()
	exec := eventloop.NewManual()
	rec := &recorder{}
	opts = append([]Option{WithRand(seeded()), WithListener(rec.listener())}, opts...)
	r := New(exec, transport, Operation{Method: http.MethodPost, URL: "https://sync.example/deltas/push", Body: []byte("{}")}, opts...)
	return r, exec, rec
}

func TestTransientFaultsThenSuccess(t *testing.T) {
	transport := &fakeTransport{script: []step{
		fail(FaultTimeout),
		failStatus(http.StatusServiceUnavailable),
		succeed("ok"),
	}}
	r, exec, rec := newTestRequest(t, transport, WithRetries(3), WithMaxBackoff(100*time.Millisecond))

	exec.RunUntilIdle()

	require.True(t, r.IsFinished())
	assert.Len(t, rec.temporary, 2)
	assert.Equal(t, []int{2, 3}, rec.retries)
	assert.Empty(t, rec.errors)
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, StatusSucceeded, rec.outcomes[0].Status)
	assert.Equal(t, 3, rec.outcomes[0].Attempts)
	assert.Equal(t, "ok", string(rec.outcomes[0].Response.Body))
	assert.Equal(t, 1, r.RetriesLeft())
	assert.LessOrEqual(t, exec.Elapsed(), 200*time.Millisecond)
	assert.Len(t, transport.begun(), 3)
}

func TestRetriesAreBounded(t *testing.T) {
	const budget = 4
	script := make([]step, 0, budget+2)
	for i := 0; i < budget+2; i++ {
		script = append(script, fail(FaultConnectionRefused))
	}
	transport := &fakeTransport{script: script}
	r, exec, rec := newTestRequest(t, transport, WithRetries(budget))

	exec.RunUntilIdle()

	require.True(t, r.IsFinished())
	assert.Len(t, transport.begun(), budget+1)
	assert.Len(t, rec.retries, budget)
	assert.Len(t, rec.temporary, budget)
	require.Len(t, rec.errors, 1)
	assert.Equal(t, FaultConnectionRefused, rec.errors[0].Kind)
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, StatusFailed, rec.outcomes[0].Status)
	assert.Equal(t, 0, r.RetriesLeft())
	assert.Equal(t, []string{"error", "finished"}, rec.events[len(rec.events)-2:])
}

func TestZeroRetriesFailsOnFirstTransientFault(t *testing.T) {
	transport := &fakeTransport{script: []step{fail(FaultTimeout)}}
	r, exec, rec := newTestRequest(t, transport, WithRetries(0))

	exec.RunUntilIdle()

	assert.True(t, r.IsFinished())
	assert.Len(t, transport.begun(), 1)
	assert.Empty(t, rec.temporary)
	assert.Len(t, rec.errors, 1)
}

func TestPermanentFaultIsNotRetried(t *testing.T) {
	transport := &fakeTransport{script: []step{failStatus(http.StatusBadRequest)}}
	r, exec, rec := newTestRequest(t, transport)

	exec.RunUntilIdle()

	assert.True(t, r.IsFinished())
	assert.Len(t, transport.begun(), 1)
	assert.Empty(t, rec.retries)
	require.Len(t, rec.outcomes, 1)
	outcome := rec.outcomes[0]
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, http.StatusBadRequest, outcome.Response.StatusCode)

	var fault *Fault
	require.True(t, errors.As(outcome.Err(), &fault))
	assert.Equal(t, http.StatusBadRequest, fault.Status)
	assert.Equal(t, DefaultRetries, r.RetriesLeft())
}

func TestBackoffDelaysStayWithinBound(t *testing.T) {
	const max = 50 * time.Millisecond
	policy := newPolicy(20, max, seeded())
	for i := 0; i < 20; i++ {
		d := policy.NextBackOff()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, max)
	}
	assert.Equal(t, time.Duration(-1), policy.NextBackOff())
}

func TestBackoffIsReproducibleWithSeed(t *testing.T) {
	a := newPolicy(5, time.Second, seeded())
	b := newPolicy(5, time.Second, seeded())
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.NextBackOff(), b.NextBackOff())
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	r, exec, rec := newTestRequest(t, transport)
	exec.Drain()
	require.Len(t, transport.begun(), 1)

	r.Abort()
	r.Abort()
	assert.True(t, r.IsFinished())
	assert.True(t, transport.begun()[0].wasAborted())

	// late completion of the aborted attempt is dropped
	transport.begun()[0].sink.Finished(&Response{StatusCode: http.StatusOK}, nil)
	exec.RunUntilIdle()
	r.Abort()
	exec.RunUntilIdle()

	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, StatusCanceled, rec.outcomes[0].Status)
	assert.True(t, errors.Is(rec.outcomes[0].Err(), ErrAborted))
	assert.Empty(t, rec.errors)
	assert.Equal(t, []string{"finished"}, rec.events)
}

func TestAbortAfterCompletionChangesNothing(t *testing.T) {
	transport := &fakeTransport{script: []step{succeed("done")}}
	r, exec, rec := newTestRequest(t, transport)
	exec.RunUntilIdle()

	r.Abort()
	exec.RunUntilIdle()

	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, StatusSucceeded, r.Result().Status)
	assert.False(t, transport.begun()[0].wasAborted())
}

func TestAbortDuringBackoffStopsRetry(t *testing.T) {
	transport := &fakeTransport{script: []step{fail(FaultTimeout), succeed("late")}}
	r, exec, rec := newTestRequest(t, transport, WithMaxBackoff(time.Second))
	exec.Drain()
	require.Equal(t, 1, exec.Pending())

	r.Abort()
	exec.RunUntilIdle()

	assert.Len(t, transport.begun(), 1)
	assert.Empty(t, rec.retries)
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, StatusCanceled, rec.outcomes[0].Status)
	assert.Equal(t, []string{"temporary", "finished"}, rec.events)
}

func TestNothingFiresAfterFinished(t *testing.T) {
	var held *fakeAttempt
	transport := &fakeTransport{script: []step{func(a *fakeAttempt) {
		held = a
		a.sink.Finished(&Response{StatusCode: http.StatusOK}, nil)
	}}}
	_, exec, rec := newTestRequest(t, transport)
	exec.RunUntilIdle()
	require.NotNil(t, held)

	held.sink.UploadProgress(10, 10)
	held.sink.DownloadProgress(5, 5)
	held.sink.Encrypted()
	exec.RunUntilIdle()

	assert.Equal(t, []string{"finished"}, rec.events)
}

func TestProgressResetsOnRetry(t *testing.T) {
	transport := &fakeTransport{script: []step{
		func(a *fakeAttempt) {
			a.sink.Encrypted()
			a.sink.UploadProgress(40, 100)
			a.sink.Finished(nil, &Fault{Kind: FaultRemoteHostClosed})
		},
		func(a *fakeAttempt) {
			a.sink.UploadProgress(100, 100)
			a.sink.Finished(&Response{StatusCode: http.StatusOK}, nil)
		},
	}}
	_, exec, rec := newTestRequest(t, transport)
	exec.RunUntilIdle()

	assert.Equal(t, [][2]int64{{40, 100}, {0, 100}, {100, 100}}, rec.uploads)
	assert.Equal(t, []string{"encrypted", "upload", "temporary", "upload", "download", "retry", "upload", "finished"}, rec.events)
}

func ignoredOnly(a *fakeAttempt) {
	a.sink.Finished(nil, &Fault{Kind: FaultTLS, TLS: []TLSFault{TLSSelfSigned}})
}

func TestIgnoredTLSFaultsAreNotFailures(t *testing.T) {
	transport := &fakeTransport{script: []step{ignoredOnly, succeed("ok")}}
	r, exec, rec := newTestRequest(t, transport, WithIgnoredTLSFaults(TLSSelfSigned), WithRetries(0))
	exec.RunUntilIdle()

	assert.Equal(t, StatusSucceeded, r.Result().Status)
	assert.Empty(t, rec.temporary)
	assert.Empty(t, rec.errors)
	assert.Empty(t, rec.retries)
	assert.Equal(t, 0, r.RetriesLeft())
	assert.Equal(t, time.Duration(0), exec.Elapsed())
	require.Len(t, transport.begun(), 2)
	assert.Equal(t, []TLSFault{TLSSelfSigned}, transport.begun()[0].ignored)
}

func TestIgnoredTLSFaultsKeepRetryBudget(t *testing.T) {
	transport := &fakeTransport{script: []step{ignoredOnly, fail(FaultTimeout), succeed("ok")}}
	r, exec, rec := newTestRequest(t, transport, WithIgnoredTLSFaults(TLSSelfSigned), WithRetries(1))
	exec.RunUntilIdle()

	assert.Equal(t, StatusSucceeded, r.Result().Status)
	require.Len(t, rec.temporary, 1)
	assert.Equal(t, FaultTimeout, rec.temporary[0].Kind)
	assert.Equal(t, []int{3}, rec.retries)
}

func TestIgnoredTLSFaultsWithResponseSucceed(t *testing.T) {
	transport := &fakeTransport{script: []step{
		func(a *fakeAttempt) {
			a.sink.Finished(&Response{StatusCode: http.StatusOK, Body: []byte("ok")}, &Fault{Kind: FaultTLS, TLS: []TLSFault{TLSExpired}})
		},
	}}
	r, exec, rec := newTestRequest(t, transport, WithIgnoredTLSFaults(TLSExpired))
	exec.RunUntilIdle()

	assert.Equal(t, StatusSucceeded, r.Result().Status)
	assert.Equal(t, "ok", string(r.Result().Response.Body))
	assert.Equal(t, []string{"finished"}, rec.events)
}

func TestRepeatedIgnoredTLSFaultsEventuallyFail(t *testing.T) {
	script := make([]step, maxSilentRestarts+1)
	for i := range script {
		script[i] = ignoredOnly
	}
	transport := &fakeTransport{script: script}
	r, exec, rec := newTestRequest(t, transport, WithIgnoredTLSFaults(TLSSelfSigned))
	exec.RunUntilIdle()

	assert.Equal(t, StatusFailed, r.Result().Status)
	require.Len(t, rec.errors, 1)
	assert.Equal(t, FaultTLS, rec.errors[0].Kind)
	assert.Empty(t, rec.temporary)
	assert.Len(t, transport.begun(), maxSilentRestarts+1)
}

func TestUnapprovedTLSFaultIsPermanent(t *testing.T) {
	transport := &fakeTransport{script: []step{
		func(a *fakeAttempt) {
			a.sink.Finished(nil, &Fault{Kind: FaultTLS, TLS: []TLSFault{TLSSelfSigned, TLSHostnameMismatch}})
		},
	}}
	r, exec, rec := newTestRequest(t, transport, WithIgnoredTLSFaults(TLSSelfSigned))
	exec.RunUntilIdle()

	assert.Equal(t, StatusFailed, r.Result().Status)
	require.Len(t, rec.errors, 1)
	assert.Equal(t, []TLSFault{TLSHostnameMismatch}, rec.errors[0].TLS)
	assert.Len(t, transport.begun(), 1)
}

func TestIgnoreTLSFaultsAppliesToLaterAttempts(t *testing.T) {
	transport := &fakeTransport{script: []step{fail(FaultTimeout), succeed("ok")}}
	r, exec, _ := newTestRequest(t, transport)
	exec.Drain()
	r.IgnoreTLSFaults(TLSExpired, TLSExpired)
	exec.RunUntilIdle()

	attempts := transport.begun()
	require.Len(t, attempts, 2)
	assert.Empty(t, attempts[0].ignored)
	assert.Equal(t, []TLSFault{TLSExpired}, attempts[1].ignored)
}

func TestMultipartBodyIsRebuiltPerAttempt(t *testing.T) {
	var bodies []string
	read := func(a *fakeAttempt) {
		body, contentType, _, err := a.op.NewBody()
		require.NoError(t, err)
		_, params, err := mime.ParseMediaType(contentType)
		require.NoError(t, err)
		mr := multipart.NewReader(body, params["boundary"])
		part, err := mr.NextPart()
		require.NoError(t, err)
		data, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, "deltas.json", part.FileName())
		bodies = append(bodies, string(data))
	}
	transport := &fakeTransport{script: []step{
		func(a *fakeAttempt) { read(a); fail(FaultTimeout)(a) },
		func(a *fakeAttempt) { read(a); succeed("ok")(a) },
	}}
	exec := eventloop.NewManual()
	op := Operation{
		Method: http.MethodPost,
		URL:    "https://sync.example/upload",
		Parts: []Part{{
			Name:        "file",
			FileName:    "deltas.json",
			ContentType: "application/json",
			Data:        []byte(`{"deltas":[]}`),
		}},
	}
	r := New(exec, transport, op, WithRand(seeded()))
	exec.RunUntilIdle()

	assert.Equal(t, StatusSucceeded, r.Result().Status)
	assert.Equal(t, []string{`{"deltas":[]}`, `{"deltas":[]}`}, bodies)
}

func TestWaitReturnsOutcome(t *testing.T) {
	loop := eventloop.New()
	stop := loop.Start()
	defer stop()

	transport := &fakeTransport{script: []step{fail(FaultTimeout), succeed("ok")}}
	r := New(loop, transport, Operation{Method: http.MethodGet, URL: "https://sync.example/"},
		WithRand(seeded()), WithMaxBackoff(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Attempts)
}

func TestWaitAbortsWhenContextEnds(t *testing.T) {
	loop := eventloop.New()
	stop := loop.Start()
	defer stop()

	transport := &fakeTransport{}
	r := New(loop, transport, Operation{Method: http.MethodGet, URL: "https://sync.example/"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, r.IsFinished())

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("finished notification not delivered")
	}
	assert.Equal(t, StatusCanceled, r.Result().Status)
}
