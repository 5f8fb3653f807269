package traffic

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"syscall"
)

// Error domains assigned by NewErrorLog.
const (
	DomainContext = "context"
	DomainSyscall = "syscall"
	DomainDNS     = "dns"
	DomainNet     = "net"
	DomainTLS     = "tls"
	DomainURL     = "url"
	DomainGo      = "go"
)

// Codes used for domains that carry no native numeric code.
const (
	CodeUnknown          = -1
	CodeCanceled         = 1
	CodeDeadlineExceeded = 2
	CodeTimeout          = 3
	CodeDNSNotFound      = 4
)

// ErrorLog is a normalized snapshot of a transport failure. It never keeps
// a reference to the error it was built from.
type ErrorLog struct {
	Description string `json:"description"`
	Domain      string `json:"domain"`
	Code        int    `json:"code"`
}

// NewErrorLog captures err once. It returns nil for a nil error.
func NewErrorLog(err error) *ErrorLog {
	if err == nil {
		return nil
	}
	domain, code := classify(err)
	return &ErrorLog{
		Description: err.Error(),
		Domain:      domain,
		Code:        code,
	}
}

// classify walks the error chain from the most specific cause outward.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, context.Canceled):
		return DomainContext, CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return DomainContext, CodeDeadlineExceeded
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return DomainSyscall, int(errno)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return DomainDNS, CodeDNSNotFound
		}
		if dnsErr.IsTimeout {
			return DomainDNS, CodeTimeout
		}
		return DomainDNS, CodeUnknown
	}

	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	switch {
	case errors.As(err, &unknownAuthority):
		return DomainTLS, CodeUnknown
	case errors.As(err, &hostnameErr):
		return DomainTLS, CodeUnknown
	case errors.As(err, &certInvalid):
		return DomainTLS, int(certInvalid.Reason)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return DomainNet, CodeTimeout
		}
		return DomainNet, CodeUnknown
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return DomainURL, CodeTimeout
		}
		return DomainURL, CodeUnknown
	}

	return DomainGo, CodeUnknown
}
