// Package upstream builds HTTP transports to the upstream API, either direct
// or through a local SOCKS5 listener, and probes credential balances.
package upstream

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

const (
	dialTimeout          = 10 * time.Second
	tlsHandshakeTimeout  = 10 * time.Second
	idleConnTimeout      = 90 * time.Second
	maxIdleConnsPerRoute = 32
)

// Direct is the route of credentials without an active tunnel.
const Direct = 0

// Transports caches one transport per route so connections to the upstream
// are reused across requests. Port 0 dials directly; any other port dials
// through the SOCKS5 listener at 127.0.0.1:port.
type Transports struct {
	mu     sync.Mutex
	routes map[int]*http.Transport
}

func NewTransports() *Transports {
	return &Transports{routes: make(map[int]*http.Transport)}
}

// For returns the transport for port, creating it on first use.
func (t *Transports) For(port int) (http.RoundTripper, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.routes[port]; ok {
		return tr, nil
	}
	tr, err := newTransport(port)
	if err != nil {
		return nil, err
	}
	t.routes[port] = tr
	return tr, nil
}

// Client returns an http.Client over the transport for port.
func (t *Transports) Client(port int) (*http.Client, error) {
	rt, err := t.For(port)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: rt}, nil
}

// CloseIdleConnections drops idle connections on every cached route.
func (t *Transports) CloseIdleConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.routes {
		tr.CloseIdleConnections()
	}
}

func newTransport(port int) (*http.Transport, error) {
	base := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   maxIdleConnsPerRoute,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if port == Direct {
		tr.DialContext = base.DialContext
		return tr, nil
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	dialer, err := proxy.SOCKS5("tcp", addr, nil, base)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer %s: %w", addr, err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer %s does not support contexts", addr)
	}
	tr.DialContext = cd.DialContext
	return tr, nil
}
