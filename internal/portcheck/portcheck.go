// Package portcheck tells whether a local TCP port already has a listener.
//
// The shell does not stop its backend on exit, so a backend left over from a
// previous run may still hold the port the new one wants to bind. Checking
// before a launch turns the resulting bind error into a readable warning.
package portcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var errNotListening = errors.New("not listening")

// Loopback are the addresses checked when a host resolves to nothing usable.
var Loopback = []netip.Addr{
	netip.AddrFrom4([4]byte{127, 0, 0, 1}),
	netip.IPv6Loopback(),
}

// Target returns the port and local addresses serving rawURL.
func Target(ctx context.Context, rawURL string) (uint16, []netip.Addr, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, nil, err
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid port %q: %w", port, err)
	}

	host := u.Hostname()
	if addr, err := netip.ParseAddr(host); err == nil {
		return uint16(p), []netip.Addr{addr.Unmap()}, nil
	}
	if host == "" || host == "localhost" {
		return uint16(p), slices.Clone(Loopback), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return 0, nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return uint16(p), addrs, nil
}

// InUse returns the listeners bound to port on any of addrs, including
// wildcard listeners. No addrs means Loopback.
func InUse(ctx context.Context, port uint16, addrs ...netip.Addr) ([]netip.AddrPort, error) {
	if len(addrs) == 0 {
		addrs = Loopback
	}
	if runtime.GOOS == "linux" {
		listeners, err := ListenersNetlink()
		if err == nil {
			return match(listeners, port, addrs), nil
		}
		slog.DebugContext(ctx, "netlink access failed, using fallback method", "error", err)
	}
	return inUseDial(ctx, port, addrs)
}

func match(listeners []netip.AddrPort, port uint16, addrs []netip.Addr) []netip.AddrPort {
	var ret []netip.AddrPort
	for _, l := range listeners {
		if l.Port() != port {
			continue
		}
		a := l.Addr().Unmap()
		if a.IsUnspecified() || slices.Contains(addrs, a) {
			ret = append(ret, netip.AddrPortFrom(a, port))
		}
	}
	return ret
}

// inUseDial tries to connect to every address concurrently.
func inUseDial(ctx context.Context, port uint16, addrs []netip.Addr) ([]netip.AddrPort, error) {
	var mx sync.Mutex
	var ret []netip.AddrPort

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, addr := range addrs {
		ap := netip.AddrPortFrom(addr, port)
		g.Go(func() error {
			err := dial(gctx, ap)
			if errors.Is(err, errNotListening) {
				return nil
			}
			if err != nil {
				return err
			}
			mx.Lock()
			ret = append(ret, ap)
			mx.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(ret, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return ret, nil
}

func dial(ctx context.Context, ap netip.AddrPort) error {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", ap.String())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errNotListening
	}
	return conn.Close()
}
