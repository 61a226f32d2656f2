package escalation

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

var ErrCallbackRejected = errors.New("callback url not allowed")

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// CallbackPolicy limits where released outputs may be posted. Callbacks are
// https only. Hosts, when set, lists the registered callback hosts; an entry
// of the form "*.example.com" matches its subdomains.
type CallbackPolicy struct {
	Hosts        []string
	AllowPrivate bool
}

// Check validates a callback URL at submission and again before delivery.
func (p CallbackPolicy) Check(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" || u.User != nil {
		return fmt.Errorf("%w: must be an absolute https URL", ErrCallbackRejected)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if len(p.Hosts) > 0 && !p.listed(host) {
		return fmt.Errorf("%w: host %q is not registered", ErrCallbackRejected, host)
	}
	if p.AllowPrivate {
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %q is local", ErrCallbackRejected, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && !publicAddr(addr) {
		return fmt.Errorf("%w: address %s is not public", ErrCallbackRejected, addr)
	}
	return nil
}

func (p CallbackPolicy) listed(host string) bool {
	for _, h := range p.Hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if suffix, ok := strings.CutPrefix(h, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == h {
			return true
		}
	}
	return false
}

func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	switch {
	case !a.IsValid(), a.IsUnspecified(), a.IsLoopback(), a.IsPrivate(),
		a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast(), a.IsInterfaceLocalMulticast(),
		a.IsMulticast(), sharedAddressSpace.Contains(a):
		return false
	}
	return true
}

// Client returns the HTTP client used for callback delivery. Its dialer
// refuses non-public addresses, which also covers names that resolve to
// internal hosts, and every redirect target is checked like the original URL.
func (p CallbackPolicy) Client(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &net.Dialer{Timeout: timeout}
	if !p.AllowPrivate {
		d.Control = func(_, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCallbackRejected, err)
			}
			if !publicAddr(ap.Addr()) {
				return fmt.Errorf("%w: dial %s", ErrCallbackRejected, address)
			}
			return nil
		}
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	tr.DialContext = d.DialContext
	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return errors.New("callback: too many redirects")
			}
			return p.Check(req.URL.String())
		},
	}
}
