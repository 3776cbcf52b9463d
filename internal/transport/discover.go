package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service a QCan network server advertises.
const ServiceType = "_qcan._tcp"

// ErrNotFound is returned by Discover when no server answered in time.
var ErrNotFound = errors.New("no qcan server found")

// browse is a hook for tests.
var browse = func(ctx context.Context, entries chan *zeroconf.ServiceEntry) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return r.Browse(ctx, ServiceType, "local.", entries)
}

// Discover browses mDNS and returns a dialer for the first server that
// answers before ctx is done. The returned dialer has only Host and BasePort
// set.
func Discover(ctx context.Context) (*TCPDialer, error) {
	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := browse(ctx, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return nil, ErrNotFound
			}
			if d, err := dialerFromEntry(e); err == nil {
				return d, nil
			}
		case <-ctx.Done():
			return nil, ErrNotFound
		}
	}
}

// dialerFromEntry reads base_port from the TXT records. Servers that omit it
// advertise the port of their lowest channel, listed first in channels=.
func dialerFromEntry(e *zeroconf.ServiceEntry) (*TCPDialer, error) {
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return nil, fmt.Errorf("%s: no address", e.Instance)
	}
	txt := map[string]string{}
	for _, kv := range e.Text {
		if k, v, ok := strings.Cut(kv, "="); ok {
			txt[k] = v
		}
	}
	if v, ok := txt["base_port"]; ok {
		base, err := strconv.Atoi(v)
		if err != nil || base <= 0 {
			return nil, fmt.Errorf("%s: bad base_port %q", e.Instance, v)
		}
		return &TCPDialer{Host: host, BasePort: base}, nil
	}
	first, _, _ := strings.Cut(txt["channels"], ",")
	ch, err := strconv.Atoi(first)
	if err != nil || e.Port <= ch {
		return nil, fmt.Errorf("%s: cannot derive base port", e.Instance)
	}
	return &TCPDialer{Host: host, BasePort: e.Port - ch}, nil
}
