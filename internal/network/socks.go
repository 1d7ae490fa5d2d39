// Package network provides dial helpers shared by the connection engines.
package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// DialContextFunc matches the dialer hooks of net/http, go-redis and sarama.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewSOCKS5Dialer creates a SOCKS5 proxy dialer. The proxy itself is reached
// with a plain dialer bounded by timeout (zero means no timeout).
func NewSOCKS5Dialer(host string, port int, timeout time.Duration) (proxy.Dialer, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	forward := &net.Dialer{Timeout: timeout}
	dialer, err := proxy.SOCKS5("tcp", addr, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", addr, err)
	}
	return dialer, nil
}

// ContextDialer returns a context-aware dial function that routes through the
// SOCKS5 proxy at host:port. If host is empty it returns nil (direct dial).
func ContextDialer(host string, port int, timeout time.Duration) (DialContextFunc, error) {
	if host == "" || port <= 0 {
		return nil, nil
	}
	dialer, err := NewSOCKS5Dialer(host, port, timeout)
	if err != nil {
		return nil, err
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}
