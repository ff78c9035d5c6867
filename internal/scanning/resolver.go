package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/portsweep/internal/errors"
)

const (
	defaultDNSTimeout = 3 * time.Second
	defaultDNSPort    = "53"
)

// Resolver turns a scan target into a connectable address. Failures are
// returned as *errors.ResolutionError.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// SystemResolver resolves through the operating system's resolver.
type SystemResolver struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

// Resolve implements Resolver. IPv4 addresses are preferred.
func (r *SystemResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	host, addr, ok, err := literalAddr(host)
	if err != nil || ok {
		return addr, err
	}

	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	addrs, err := res.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, errors.NewResolutionError(host, err)
	}
	best, ok := preferIPv4(addrs)
	if !ok {
		return netip.Addr{}, errors.NewResolutionError(host, stderrors.New("no addresses found"))
	}
	return best, nil
}

// DNSResolver queries a specific DNS server instead of the system resolver.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver returns a resolver for server ("host" or "host:port").
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(strings.Trim(server, "[]"), defaultDNSPort)
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// Server returns the upstream address.
func (r *DNSResolver) Server() string {
	return r.server
}

// Resolve implements Resolver, asking for A records before AAAA.
func (r *DNSResolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	host, addr, ok, err := literalAddr(host)
	if err != nil || ok {
		return addr, err
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dns server %s answered %s", r.server, dns.RcodeToString[in.Rcode])
			continue
		}
		for _, rr := range in.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				return a.Unmap(), nil
			}
		}
	}
	if lastErr == nil {
		lastErr = stderrors.New("no addresses found")
	}
	return netip.Addr{}, errors.NewResolutionError(host, lastErr)
}

// literalAddr normalizes host and short-circuits IP literals.
func literalAddr(host string) (string, netip.Addr, bool, error) {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return host, netip.Addr{}, false, errors.NewResolutionError(host, stderrors.New("empty host"))
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return host, addr.Unmap(), true, nil
	}
	return host, netip.Addr{}, false, nil
}

func preferIPv4(addrs []netip.Addr) (netip.Addr, bool) {
	var fallback netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			return a, true
		}
		if !fallback.IsValid() {
			fallback = a
		}
	}
	return fallback, fallback.IsValid()
}
