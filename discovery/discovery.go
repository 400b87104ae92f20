// Package discovery advertises and resolves tunnel server endpoints over
// mDNS/Bonjour. Servers register an instance name under the tunnel service
// type; clients resolve a logical name to host:port, or connect directly
// to a literal host:port without touching mDNS. It wraps
// github.com/grandcat/zeroconf.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type SimpleTunnel servers advertise under.
const ServiceType = "_tunnelserver._tcp"

// Domain is the mDNS browsing domain used for both advertisement and
// resolution.
const Domain = "local."

// Advertise registers instance under ServiceType/Domain for port, until ctx
// is canceled. It blocks until ctx is done, so callers typically run it in
// its own goroutine.
func Advertise(ctx context.Context, instance string, port int) error {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, nil, nil)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	defer server.Shutdown()

	<-ctx.Done()
	return nil
}

// Resolve browses for instance under ServiceType/Domain and returns the
// first matching host:port. If name already looks like a literal host:port
// (contains a colon), Resolve returns it unchanged without touching mDNS at
// all.
func Resolve(ctx context.Context, name string) (string, error) {
	if host, port, ok := splitLiteral(name); ok {
		return net.JoinHostPort(host, port), nil
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 4)
	found := make(chan string, 1)
	errc := make(chan error, 1)

	go func() {
		for entry := range entries {
			if entry.Instance != name {
				continue
			}
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			select {
			case found <- net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port)):
			default:
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		errc <- err
	}

	select {
	case addr := <-found:
		return addr, nil
	case err := <-errc:
		return "", fmt.Errorf("discovery: browse: %w", err)
	case <-ctx.Done():
		return "", fmt.Errorf("discovery: resolve %s: %w", name, ctx.Err())
	}
}

// splitLiteral reports whether name is already a host:port literal rather
// than a logical instance name to resolve via mDNS.
func splitLiteral(name string) (host, port string, ok bool) {
	if !strings.Contains(name, ":") {
		return "", "", false
	}
	h, p, err := net.SplitHostPort(name)
	if err != nil {
		return "", "", false
	}
	return h, p, true
}
