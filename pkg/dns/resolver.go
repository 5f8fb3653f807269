// Package dns resolves host names for the instrumented client through a
// chosen DNS server instead of the system resolver, with a TTL cache.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/httpseal/nettrace/pkg/logger"
)

const (
	defaultPort = "53"
	minTTL      = time.Second
)

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// Resolver looks up A and AAAA records on one upstream server.
type Resolver struct {
	server string
	client *dns.Client
	dialer *net.Dialer
	logger logger.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver creates a resolver for server ("host" or "host:port").
func NewResolver(server string, log logger.Logger) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, defaultPort)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		dialer: &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
		logger: log,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Server returns the upstream address.
func (r *Resolver) Server() string {
	return r.server
}

// LookupHost returns the addresses for host, IPv4 first. IP literals are
// returned as-is. A missing name yields a *net.DNSError with IsNotFound set.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	now := r.now()
	r.mu.Lock()
	if e, ok := r.cache[host]; ok && now.Before(e.expires) {
		addrs := append([]string(nil), e.addrs...)
		r.mu.Unlock()
		return addrs, nil
	}
	r.mu.Unlock()

	var (
		addrs []string
		ttl   uint32
		first = true
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, recordTTL, err := r.query(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			continue
		}
		addrs = append(addrs, found...)
		if first || recordTTL < ttl {
			ttl = recordTTL
			first = false
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, Server: r.server, IsNotFound: true}
	}

	expiry := time.Duration(ttl) * time.Second
	if expiry < minTTL {
		expiry = minTTL
	}
	r.mu.Lock()
	r.cache[host] = cacheEntry{addrs: addrs, expires: now.Add(expiry)}
	r.mu.Unlock()

	r.logger.Debug("DNS %s -> %v (ttl %ds)", host, addrs, ttl)
	return append([]string(nil), addrs...), nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]string, uint32, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		var netErr net.Error
		timeout := errors.As(err, &netErr) && netErr.Timeout()
		return nil, 0, &net.DNSError{Err: err.Error(), Name: host, Server: r.server, IsTimeout: timeout}
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, 0, &net.DNSError{Err: "no such host", Name: host, Server: r.server, IsNotFound: true}
	default:
		return nil, 0, &net.DNSError{
			Err:    fmt.Sprintf("server answered %s", dns.RcodeToString[resp.Rcode]),
			Name:   host,
			Server: r.server,
		}
	}

	var (
		addrs []string
		ttl   uint32
	)
	for _, rr := range resp.Answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		if len(addrs) == 0 || rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
		addrs = append(addrs, ip.String())
	}
	return addrs, ttl, nil
}

// DialContext resolves the host part of address and dials the results in
// order until one connects. It fits http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Flush drops every cached answer.
func (r *Resolver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}
