package request

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/eventloop"
)

func runRequest(t *testing.T, transport Transport, op Operation, opts ...Option) (Outcome, *recorder) {
	t.Helper()
	loop := eventloop.New()
	stop := loop.Start()
	t.Cleanup(stop)

	rec := &recorder{}
	opts = append([]Option{WithRand(seeded()), WithMaxBackoff(10 * time.Millisecond), WithListener(rec.listener())}, opts...)
	r := New(loop, transport, op, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	select {
	case <-r.Done():
	case <-ctx.Done():
		t.Fatalf("request did not finish")
	}
	return r.Result(), rec
}

func TestHTTPTransportPostsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer abc" {
			t.Errorf("authorization: got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"received":` + string(body) + `}`))
	}))
	defer server.Close()

	outcome, rec := runRequest(t, NewHTTPTransport(), Operation{
		Method: http.MethodPost,
		URL:    server.URL + "/deltas/push",
		Header: http.Header{"Authorization": []string{"Bearer abc"}},
		Body:   []byte(`[1,2,3]`),
	})

	require.NoError(t, outcome.Err())
	assert.Equal(t, http.StatusOK, outcome.Response.StatusCode)
	assert.Equal(t, `{"received":[1,2,3]}`, string(outcome.Response.Body))
	require.NotEmpty(t, rec.uploads)
	assert.Equal(t, [2]int64{7, 7}, rec.uploads[len(rec.uploads)-1])
	assert.Contains(t, rec.events, "download")
	assert.NotContains(t, rec.events, "encrypted")
}

func TestHTTPTransportRetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	outcome, rec := runRequest(t, NewHTTPTransport(), Operation{Method: http.MethodGet, URL: server.URL})

	require.NoError(t, outcome.Err())
	assert.Equal(t, 3, outcome.Attempts)
	assert.Len(t, rec.temporary, 2)
	assert.Equal(t, http.StatusServiceUnavailable, rec.temporary[0].Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPTransportClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	outcome, rec := runRequest(t, NewHTTPTransport(), Operation{Method: http.MethodGet, URL: server.URL})

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, http.StatusForbidden, outcome.Fault.Status)
	assert.Equal(t, "nope\n", string(outcome.Response.Body))
	assert.Len(t, rec.errors, 1)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPTransportConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	outcome, rec := runRequest(t, NewHTTPTransport(), Operation{Method: http.MethodGet, URL: "http://" + addr}, WithRetries(1))

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, FaultConnectionRefused, outcome.Fault.Kind)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Len(t, rec.temporary, 1)
}

func TestHTTPTransportSelfSignedIsPermanent(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer server.Close()

	outcome, rec := runRequest(t, NewHTTPTransport(), Operation{Method: http.MethodGet, URL: server.URL})

	assert.Equal(t, StatusFailed, outcome.Status)
	require.Equal(t, FaultTLS, outcome.Fault.Kind)
	assert.Equal(t, []TLSFault{TLSSelfSigned}, outcome.Fault.TLS)
	assert.Empty(t, rec.retries)
}

func TestHTTPTransportIgnoresApprovedTLSFaults(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer server.Close()

	outcome, rec := runRequest(t, NewHTTPTransport(), Operation{Method: http.MethodGet, URL: server.URL},
		WithIgnoredTLSFaults(TLSSelfSigned, TLSUnknownAuthority))

	require.NoError(t, outcome.Err())
	assert.Equal(t, "secure", string(outcome.Response.Body))
	assert.Contains(t, rec.events, "encrypted")
}

func TestHTTPTransportTrustsConfiguredRoots(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer server.Close()

	transport := NewHTTPTransport()
	transport.RootCAs = x509.NewCertPool()
	transport.RootCAs.AddCert(server.Certificate())

	outcome, rec := runRequest(t, transport, Operation{Method: http.MethodGet, URL: server.URL})

	require.NoError(t, outcome.Err())
	assert.Contains(t, rec.events, "encrypted")
}

func TestHTTPTransportSendsMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		_, _ = w.Write([]byte(header.Filename + ":" + string(data) + ":" + r.FormValue("clientId")))
	}))
	defer server.Close()

	outcome, _ := runRequest(t, NewHTTPTransport(), Operation{
		Method: http.MethodPost,
		URL:    server.URL,
		Parts: []Part{
			{Name: "clientId", Data: []byte("device-1")},
			{Name: "file", FileName: "deltafile_1.log", ContentType: "application/json", Data: []byte("[]")},
		},
	})

	require.NoError(t, outcome.Err())
	assert.Equal(t, "deltafile_1.log:[]:device-1", string(outcome.Response.Body))
}

func TestHTTPTransportAbortCancelsAttempt(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	loop := eventloop.New()
	stop := loop.Start()
	defer stop()

	r := New(loop, NewHTTPTransport(), Operation{Method: http.MethodGet, URL: server.URL})
	time.Sleep(20 * time.Millisecond)
	r.Abort()

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not finish the request")
	}
	assert.Equal(t, StatusCanceled, r.Result().Status)
}

func TestHTTPTransportRejectsHugeContentLength(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil || line == "\r\n" {
						break
					}
				}
				_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 1125899906842624\r\n\r\npartial")
			}()
		}
	}()

	outcome, rec := runRequest(t, NewHTTPTransport(), Operation{Method: http.MethodGet, URL: "http://" + listener.Addr().String()})

	assert.Equal(t, StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Fault)
	assert.Equal(t, FaultProtocol, outcome.Fault.Kind)
	assert.ErrorIs(t, outcome.Fault, ErrResponseTooLarge)
	assert.Empty(t, rec.temporary)
}

func TestHTTPTransportLimitsUnadvertisedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := strings.Repeat("x", 512)
		for range 4 {
			_, _ = io.WriteString(w, chunk)
			w.(http.Flusher).Flush()
		}
	}))
	defer server.Close()

	transport := NewHTTPTransport()
	transport.MaxResponseBytes = 1024
	outcome, _ := runRequest(t, transport, Operation{Method: http.MethodGet, URL: server.URL})

	assert.Equal(t, StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Fault)
	assert.Equal(t, FaultProtocol, outcome.Fault.Kind)
}

func TestReadAllPreallocationIsBounded(t *testing.T) {
	data, err := readAll(strings.NewReader("short"), DefaultMaxResponseBytes, DefaultMaxResponseBytes, func(int64, int64) {})
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))
}

func TestHTTPTransportReusesClients(t *testing.T) {
	transport := NewHTTPTransport()

	plain := transport.clientFor(nil, "a.example")
	assert.Same(t, plain, transport.clientFor(nil, "b.example"))

	tolerant := transport.clientFor([]TLSFault{TLSSelfSigned, TLSExpired}, "a.example")
	assert.NotSame(t, plain, tolerant)
	assert.Same(t, tolerant, transport.clientFor([]TLSFault{TLSExpired, TLSSelfSigned, TLSExpired}, "a.example"))
	assert.NotSame(t, tolerant, transport.clientFor([]TLSFault{TLSExpired, TLSSelfSigned}, "b.example"))
	assert.NotSame(t, tolerant, transport.clientFor([]TLSFault{TLSSelfSigned}, "a.example"))

	transport.CloseIdleConnections()
}

func selfSignedCert(t *testing.T, host string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestCertificateFaults(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	valid := selfSignedCert(t, "sync.example", now.Add(-time.Hour), now.Add(time.Hour))
	expired := selfSignedCert(t, "sync.example", now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	future := selfSignedCert(t, "sync.example", now.Add(24*time.Hour), now.Add(48*time.Hour))

	trusted := x509.NewCertPool()
	trusted.AddCert(valid)

	tests := []struct {
		name   string
		cert   *x509.Certificate
		host   string
		roots  *x509.CertPool
		faults []TLSFault
	}{
		{"trusted", valid, "sync.example", trusted, nil},
		{"self signed", valid, "sync.example", x509.NewCertPool(), []TLSFault{TLSSelfSigned}},
		{"hostname", valid, "other.example", trusted, []TLSFault{TLSHostnameMismatch}},
		{"expired", expired, "sync.example", x509.NewCertPool(), []TLSFault{TLSExpired, TLSSelfSigned}},
		{"not yet valid", future, "sync.example", x509.NewCertPool(), []TLSFault{TLSNotYetValid, TLSSelfSigned}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := certificateFaults([]*x509.Certificate{tt.cert}, tt.host, tt.roots, now)
			assert.Equal(t, tt.faults, got)
		})
	}

	assert.Equal(t, []TLSFault{TLSInvalid}, certificateFaults(nil, "sync.example", nil, now))
}

func TestVerifyToleratingReportsRemainingFaults(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	cert := selfSignedCert(t, "sync.example", now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	cs := tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}

	err := verifyTolerating(cs, "sync.example", x509.NewCertPool(), []TLSFault{TLSSelfSigned}, now)
	require.Error(t, err)
	fault := classify(err)
	assert.Equal(t, FaultTLS, fault.Kind)
	assert.Equal(t, []TLSFault{TLSExpired}, fault.TLS)
	assert.True(t, strings.Contains(err.Error(), "expired"))

	assert.NoError(t, verifyTolerating(cs, "sync.example", x509.NewCertPool(), []TLSFault{TLSSelfSigned, TLSExpired}, now))
}
