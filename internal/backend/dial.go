package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoIPv4 is returned when the backend host has no IPv4 address.
var ErrNoIPv4 = errors.New("backend: no IPv4 address for host")

// Dialer opens TCP connections to the backend daemon. The zero value uses
// net.DefaultResolver.
type Dialer struct {
	Resolver *net.Resolver
	Dialer   net.Dialer
}

// Resolve returns the first IPv4 address of host. IPv4 literals are returned
// as is.
func (d *Dialer) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoIPv4, host)
	}
	res := d.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	ips, err := res.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoIPv4, host)
}

// Dial resolves host and connects to it over TCP/IPv4.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	ip, err := d.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	conn, err := d.Dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return conn, nil
}
