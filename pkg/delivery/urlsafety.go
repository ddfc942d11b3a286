package delivery

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// URLChecker validates webhook destination URLs before any request is made.
// Lookup is swappable for tests; nil uses the default resolver.
type URLChecker struct {
	// AllowPrivate permits loopback/private/link-local targets. Dev only.
	AllowPrivate bool
	Lookup       func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Check parses the URL, resolves its host, and rejects targets that would
// reach internal address space. Every resolved address must be public; a
// single private A record fails the whole URL.
func (c *URLChecker) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("delivery: bad destination url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("delivery: destination scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("delivery: destination url has no host")
	}
	if c.AllowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip, host)
	}

	lookup := c.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("delivery: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("delivery: %s resolves to no addresses", host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP, host); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP, host string) error {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("delivery: %s resolves to non-public address %s", host, ip)
	}
	return nil
}
