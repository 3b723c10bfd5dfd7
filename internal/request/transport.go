package request

import "net/http"

// Response is the result of a completed attempt.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Attempt is the handle of one in-flight physical attempt.
type Attempt interface {
	Abort()
}

// AttemptSink receives the notifications of one attempt. Transports may call
// it from any goroutine; Finished is called exactly once.
type AttemptSink interface {
	UploadProgress(done, total int64)
	DownloadProgress(done, total int64)
	Encrypted()

	// Finished reports the outcome. fault is nil on success; resp may be set
	// together with a fault when the server answered with an error status.
	Finished(resp *Response, fault *Fault)
}

// Transport executes single attempts. It is shared by many requests and is
// never modified by them.
type Transport interface {
	Begin(op *Operation, ignored []TLSFault, sink AttemptSink) Attempt
}
