package request

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultHttpTimeout        = 60 * time.Second
	defaultHttpConnectTimeout = 5 * time.Second
	defaultHttpTlsTimeout     = 5 * time.Second
	readChunkSize             = 32 * 1024
	maxPreallocation          = 1 << 20

	DefaultMaxResponseBytes = 64 << 20
)

// ErrResponseTooLarge is returned when a response body exceeds the
// transport's limit.
var ErrResponseTooLarge = errors.New("response body too large")

// HTTPTransport performs attempts with net/http.
type HTTPTransport struct {
	// RootCAs replaces the system roots when set.
	RootCAs *x509.CertPool

	Timeout        time.Duration
	ConnectTimeout time.Duration
	TLSTimeout     time.Duration

	// MaxResponseBytes bounds the response bodies read into memory.
	MaxResponseBytes int64

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewHTTPTransport() *HTTPTransport {
	t := &HTTPTransport{
		Timeout:        defaultHttpTimeout,
		ConnectTimeout: defaultHttpConnectTimeout,
		TLSTimeout:     defaultHttpTlsTimeout,

		MaxResponseBytes: DefaultMaxResponseBytes,
	}
	return t
}

// clientKey identifies the client serving one ignored fault set. Clients
// that verify normally are shared by every server.
func clientKey(ignored []TLSFault, serverName string) string {
	if len(ignored) == 0 {
		return ""
	}
	sorted := slices.Clone(ignored)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	names := make([]string, 0, len(sorted))
	for _, f := range sorted {
		names = append(names, f.String())
	}
	return serverName + "|" + strings.Join(names, ",")
}

// clientFor returns the shared client, or the one tolerating ignored faults
// while verifying the certificate of serverName. Clients are cached so
// retries reuse their connection pools.
func (t *HTTPTransport) clientFor(ignored []TLSFault, serverName string) *http.Client {
	key := clientKey(ignored, serverName)
	t.mu.Lock()
	defer t.mu.Unlock()
	if client, ok := t.clients[key]; ok {
		return client
	}
	ignored = slices.Clone(ignored)
	dialer := &net.Dialer{
		Timeout: t.ConnectTimeout,
	}
	tlsConfig := &tls.Config{RootCAs: t.RootCAs}
	if len(ignored) > 0 {
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyTolerating(cs, serverName, t.RootCAs, ignored, time.Now())
		}
	}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: t.TLSTimeout,
			TLSClientConfig:     tlsConfig,
		},
		Timeout: t.Timeout,
	}
	if t.clients == nil {
		t.clients = make(map[string]*http.Client)
	}
	t.clients[key] = client
	return client
}

// CloseIdleConnections closes the idle connections of every cached client.
func (t *HTTPTransport) CloseIdleConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, client := range t.clients {
		client.CloseIdleConnections()
	}
}

type httpAttempt struct {
	cancel context.CancelFunc
}

func (a *httpAttempt) Abort() {
	a.cancel()
}

func (t *HTTPTransport) Begin(op *Operation, ignored []TLSFault, sink AttemptSink) Attempt {
	ctx, cancel := context.WithCancel(context.Background())
	var serverName string
	if u, err := url.Parse(op.URL); err == nil {
		serverName = u.Hostname()
	}
	client := t.clientFor(ignored, serverName)
	go func() {
		defer cancel()
		resp, fault := t.do(ctx, client, op, sink)
		sink.Finished(resp, fault)
	}()
	return &httpAttempt{cancel: cancel}
}

func (t *HTTPTransport) do(ctx context.Context, client *http.Client, op *Operation, sink AttemptSink) (*Response, *Fault) {
	body, contentType, size, err := op.NewBody()
	if err != nil {
		return nil, &Fault{Kind: FaultProtocol, Err: err}
	}
	if size > 0 {
		body = &progressReader{r: body, total: size, report: sink.UploadProgress}
	}
	trace := &httptrace.ClientTrace{
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				sink.Encrypted()
			}
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), op.Method, op.URL, body)
	if err != nil {
		return nil, &Fault{Kind: FaultProtocol, Err: err}
	}
	for name, values := range op.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.ContentLength = size

	r, err := client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer r.Body.Close()

	data, err := readAll(r.Body, r.ContentLength, t.maxResponseBytes(), sink.DownloadProgress)
	if errors.Is(err, ErrResponseTooLarge) {
		return nil, &Fault{Kind: FaultProtocol, Err: err}
	}
	if err != nil {
		return nil, classify(err)
	}
	resp := &Response{StatusCode: r.StatusCode, Header: r.Header, Body: data}
	if r.StatusCode < 200 || r.StatusCode > 299 {
		return resp, &Fault{Kind: FaultHTTP, Status: r.StatusCode}
	}
	return resp, nil
}

// classify maps a transport error to a fault.
func classify(err error) *Fault {
	var tlsErr *TLSError
	if errors.As(err, &tlsErr) {
		return &Fault{Kind: FaultTLS, TLS: tlsErr.Faults, Err: err}
	}
	if faults := x509Faults(err, nil); len(faults) > 0 {
		return &Fault{Kind: FaultTLS, TLS: faults, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Kind: FaultCanceled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Kind: FaultTimeout, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return &Fault{Kind: FaultTimeout, Err: err}
		}
		return &Fault{Kind: FaultHostNotFound, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Fault{Kind: FaultTimeout, Err: err}
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Fault{Kind: FaultConnectionRefused, Err: err}
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &Fault{Kind: FaultRemoteHostClosed, Err: err}
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETDOWN):
		return &Fault{Kind: FaultTemporaryNetwork, Err: err}
	}
	return &Fault{Kind: FaultUnknownNetwork, Err: err}
}

// x509Faults recognizes the standard library verification errors. leaf is
// the certificate being checked when the error does not carry it.
func x509Faults(err error, leaf *x509.Certificate) []TLSFault {
	var verification *tls.CertificateVerificationError
	if errors.As(err, &verification) && len(verification.UnverifiedCertificates) > 0 {
		leaf = verification.UnverifiedCertificates[0]
	}
	var unknown x509.UnknownAuthorityError
	var noRoots x509.SystemRootsError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	switch {
	case errors.As(err, &unknown):
		if unknown.Cert != nil {
			leaf = unknown.Cert
		}
		return authorityFaults(leaf)
	case errors.As(err, &noRoots):
		return authorityFaults(leaf)
	case errors.As(err, &hostname):
		return []TLSFault{TLSHostnameMismatch}
	case errors.As(err, &invalid):
		if invalid.Reason == x509.Expired {
			return []TLSFault{TLSExpired}
		}
		return []TLSFault{TLSInvalid}
	case verification != nil:
		return []TLSFault{TLSInvalid}
	}
	return nil
}

func authorityFaults(leaf *x509.Certificate) []TLSFault {
	if leaf != nil && isSelfSigned(leaf) {
		return []TLSFault{TLSSelfSigned}
	}
	return []TLSFault{TLSUnknownAuthority}
}

// verifyTolerating checks the peer chain the way crypto/tls would, collects
// every fault found, and fails only on faults that are not ignored.
func verifyTolerating(cs tls.ConnectionState, serverName string, roots *x509.CertPool, ignored []TLSFault, now time.Time) error {
	faults := certificateFaults(cs.PeerCertificates, serverName, roots, now)
	remaining := slices.DeleteFunc(faults, func(f TLSFault) bool {
		return slices.Contains(ignored, f)
	})
	if len(remaining) > 0 {
		return &TLSError{Faults: remaining}
	}
	return nil
}

func certificateFaults(peers []*x509.Certificate, serverName string, roots *x509.CertPool, now time.Time) []TLSFault {
	if len(peers) == 0 {
		return []TLSFault{TLSInvalid}
	}
	leaf := peers[0]
	var faults []TLSFault

	at := now
	switch {
	case now.After(leaf.NotAfter):
		faults = append(faults, TLSExpired)
		at = leaf.NotAfter
	case now.Before(leaf.NotBefore):
		faults = append(faults, TLSNotYetValid)
		at = leaf.NotBefore
	}

	intermediates := x509.NewCertPool()
	for _, c := range peers[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
	})
	if err != nil {
		if chain := x509Faults(err, leaf); len(chain) > 0 {
			faults = append(faults, chain...)
		} else {
			faults = append(faults, TLSInvalid)
		}
	}
	if serverName != "" {
		if err := leaf.VerifyHostname(serverName); err != nil {
			faults = append(faults, TLSHostnameMismatch)
		}
	}
	return slices.Compact(faults)
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.CheckSignatureFrom(cert) == nil
}

type progressReader struct {
	r      io.Reader
	done   int64
	total  int64
	report func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.report(p.done, p.total)
	}
	return n, err
}

func (t *HTTPTransport) maxResponseBytes() int64 {
	if t.MaxResponseBytes > 0 {
		return t.MaxResponseBytes
	}
	return DefaultMaxResponseBytes
}

// readAll reads at most limit bytes. total is the advertised length, -1 when
// unknown; it only sizes the first allocation.
func readAll(r io.Reader, total int64, limit int64, report func(done, total int64)) ([]byte, error) {
	if total > limit {
		return nil, fmt.Errorf("%w: advertised %d bytes, limit %d", ErrResponseTooLarge, total, limit)
	}
	var out bytes.Buffer
	if total > 0 {
		out.Grow(int(min(total, maxPreallocation)))
	}
	buf := make([]byte, readChunkSize)
	var done int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			done += int64(n)
			if done > limit {
				return nil, fmt.Errorf("%w: limit %d", ErrResponseTooLarge, limit)
			}
			out.Write(buf[:n])
			report(done, total)
		}
		if errors.Is(err, io.EOF) {
			return out.Bytes(), nil
		}
		if err != nil {
			return out.Bytes(), err
		}
	}
}

var _ Transport = (*HTTPTransport)(nil)
