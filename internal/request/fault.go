package request

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

var ErrAborted = errors.New("request aborted")

// FaultKind classifies why an attempt failed.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultConnectionRefused
	FaultRemoteHostClosed
	FaultHostNotFound
	FaultTimeout
	FaultTemporaryNetwork
	FaultUnknownNetwork
	FaultTLS
	FaultHTTP
	FaultProtocol
	FaultCanceled
)

var faultKindNames = map[FaultKind]string{
	FaultNone:              "none",
	FaultConnectionRefused: "connection_refused",
	FaultRemoteHostClosed:  "remote_host_closed",
	FaultHostNotFound:      "host_not_found",
	FaultTimeout:           "timeout",
	FaultTemporaryNetwork:  "temporary_network",
	FaultUnknownNetwork:    "unknown_network",
	FaultTLS:               "tls",
	FaultHTTP:              "http",
	FaultProtocol:          "protocol",
	FaultCanceled:          "canceled",
}

func (k FaultKind) String() string {
	if name, ok := faultKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("fault(%d)", int(k))
}

// TLSFault is one certificate problem found while establishing the secure
// channel.
type TLSFault int

const (
	TLSUnknownAuthority TLSFault = iota + 1
	TLSSelfSigned
	TLSHostnameMismatch
	TLSExpired
	TLSNotYetValid
	TLSInvalid
)

var tlsFaultNames = map[TLSFault]string{
	TLSUnknownAuthority: "unknown-authority",
	TLSSelfSigned:       "self-signed",
	TLSHostnameMismatch: "hostname-mismatch",
	TLSExpired:          "expired",
	TLSNotYetValid:      "not-yet-valid",
	TLSInvalid:          "invalid",
}

func (f TLSFault) String() string {
	if name, ok := tlsFaultNames[f]; ok {
		return name
	}
	return fmt.Sprintf("tls-fault(%d)", int(f))
}

// TLSFaultNames lists every fault name in declaration order.
func TLSFaultNames() []string {
	names := make([]string, 0, len(tlsFaultNames))
	for f := TLSUnknownAuthority; f <= TLSInvalid; f++ {
		names = append(names, f.String())
	}
	return names
}

// ParseTLSFault maps a name as printed by String back to the fault.
func ParseTLSFault(name string) (TLSFault, error) {
	for f, n := range tlsFaultNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown tls fault %q", name)
}

// TLSError is returned by certificate verification when faults remain after
// the ignored ones are removed.
type TLSError struct {
	Faults []TLSFault
	Err    error
}

func (e *TLSError) Error() string {
	names := make([]string, 0, len(e.Faults))
	for _, f := range e.Faults {
		names = append(names, f.String())
	}
	msg := "tls verification failed: " + strings.Join(names, ", ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TLSError) Unwrap() error { return e.Err }

// Fault describes a failed attempt. For FaultHTTP, Status holds the response
// code; for FaultTLS, TLS lists the certificate problems.
type Fault struct {
	Kind   FaultKind
	Status int
	TLS    []TLSFault
	Err    error
}

func (f *Fault) Error() string {
	switch {
	case f.Kind == FaultHTTP:
		return fmt.Sprintf("http status %d %s", f.Status, http.StatusText(f.Status))
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return f.Kind.String()
	}
}

func (f *Fault) Unwrap() error { return f.Err }

var transientStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Transient reports whether retrying the same attempt may succeed.
func (f *Fault) Transient() bool {
	switch f.Kind {
	case FaultConnectionRefused, FaultRemoteHostClosed, FaultHostNotFound,
		FaultTimeout, FaultTemporaryNetwork, FaultUnknownNetwork:
		return true
	case FaultHTTP:
		return slices.Contains(transientStatuses, f.Status)
	default:
		return false
	}
}

// withoutIgnored drops the ignored TLS faults. It returns nil when every
// fault reported was ignored.
func (f *Fault) withoutIgnored(ignored []TLSFault) *Fault {
	if f.Kind != FaultTLS || len(ignored) == 0 {
		return f
	}
	remaining := slices.DeleteFunc(slices.Clone(f.TLS), func(t TLSFault) bool {
		return slices.Contains(ignored, t)
	})
	if len(remaining) == len(f.TLS) {
		return f
	}
	if len(remaining) == 0 {
		return nil
	}
	return &Fault{Kind: FaultTLS, TLS: remaining, Err: f.Err}
}
