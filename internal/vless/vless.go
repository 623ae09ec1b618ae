// Package vless parses vless:// share links into typed tunnel descriptors.
// Parsing is pure: no I/O, and malformed input is rejected rather than
// panicking.
package vless

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/koltyakov/keyswap/internal/domain"
)

const (
	scheme      = "vless://"
	defaultPort = 443
)

// Transport is the stream transport of a tunnel. It is one of [Plain],
// [WebSocket], or [MultiplexedStream].
type Transport interface {
	// Network is the transport name used in share links and daemon config.
	Network() string
	isTransport()
}

// Plain is a raw TCP stream (type=tcp).
type Plain struct{}

// WebSocket carries the stream over a websocket (type=ws).
type WebSocket struct {
	Path string
	Host string // Host header override
}

// MultiplexedStream carries the stream over gRPC (type=grpc).
type MultiplexedStream struct {
	ServiceName string
}

func (Plain) Network() string             { return "tcp" }
func (WebSocket) Network() string         { return "ws" }
func (MultiplexedStream) Network() string { return "grpc" }

func (Plain) isTransport()             {}
func (WebSocket) isTransport()         {}
func (MultiplexedStream) isTransport() {}

// Security is the stream security layer. It is one of [NoSecurity], [TLS],
// or [Reality].
type Security interface {
	// Name is the security name used in share links and daemon config.
	Name() string
	isSecurity()
}

// NoSecurity sends the stream in the clear.
type NoSecurity struct{}

// TLS wraps the stream in standard TLS.
type TLS struct {
	SNI         string
	Fingerprint string
	ALPN        []string
}

// Reality is obfuscated TLS authenticated by a server public key.
type Reality struct {
	SNI         string
	Fingerprint string
	PublicKey   string
	ShortID     string
}

func (NoSecurity) Name() string { return "none" }
func (TLS) Name() string        { return "tls" }
func (Reality) Name() string    { return "reality" }

func (NoSecurity) isSecurity() {}
func (TLS) isSecurity()        {}
func (Reality) isSecurity()    {}

// Descriptor is a parsed vless:// link.
type Descriptor struct {
	ID         string
	Host       string
	Port       int
	Remark     string
	Encryption string
	Flow       string
	Transport  Transport
	Security   Security
}

// Address returns host:port of the remote endpoint.
func (d Descriptor) Address() string {
	if strings.Contains(d.Host, ":") {
		return "[" + d.Host + "]:" + strconv.Itoa(d.Port)
	}
	return d.Host + ":" + strconv.Itoa(d.Port)
}

// ParseError describes why a link was rejected.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "invalid vless url: " + e.Reason
}

// Is lets every ParseError match [domain.ErrInvalidTunnel].
func (e *ParseError) Is(target error) bool {
	return target == domain.ErrInvalidTunnel
}

// Parse parses raw and reports whether it is a valid link. Rejections are
// logged at error level with the input truncated.
func Parse(raw string) (Descriptor, bool) {
	d, err := ParseStrict(raw)
	if err != nil {
		slog.Default().Error("rejected vless url", "url", truncate(strings.TrimSpace(raw), 30), "err", err)
		return Descriptor{}, false
	}
	return d, true
}

// ParseStrict parses raw and returns a [*ParseError] on malformed input.
func ParseStrict(raw string) (d Descriptor, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = Descriptor{}, &ParseError{Reason: fmt.Sprint(r)}
		}
	}()

	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, scheme) {
		return Descriptor{}, &ParseError{Reason: "scheme must be vless://"}
	}
	rest := raw[len(scheme):]

	var remark string
	if i := strings.LastIndex(rest, "#"); i >= 0 {
		remark = decodeFragment(rest[i+1:])
		rest = rest[:i]
	}

	id, rest, ok := strings.Cut(rest, "@")
	if !ok {
		return Descriptor{}, &ParseError{Reason: "missing @"}
	}

	hostPort, rawQuery, _ := strings.Cut(rest, "?")
	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return Descriptor{}, err
	}

	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Descriptor{}, &ParseError{Reason: "bad query: " + err.Error()}
	}

	encryption := params.Get("encryption")
	if encryption == "" {
		encryption = "none"
	}
	return Descriptor{
		ID:         id,
		Host:       host,
		Port:       port,
		Remark:     remark,
		Encryption: encryption,
		Flow:       params.Get("flow"),
		Transport:  parseTransport(params),
		Security:   parseSecurity(params),
	}, nil
}

func splitHostPort(hostPort string) (string, int, error) {
	if hostPort == "" {
		return "", 0, &ParseError{Reason: "missing host"}
	}
	if strings.HasPrefix(hostPort, "[") {
		end := strings.Index(hostPort, "]")
		if end < 0 {
			return "", 0, &ParseError{Reason: "unterminated IPv6 host"}
		}
		host := hostPort[1:end]
		tail := hostPort[end+1:]
		if tail == "" {
			return host, defaultPort, nil
		}
		if !strings.HasPrefix(tail, ":") {
			return "", 0, &ParseError{Reason: "garbage after IPv6 host"}
		}
		port, err := parsePort(tail[1:])
		return host, port, err
	}
	i := strings.LastIndex(hostPort, ":")
	if i < 0 {
		return hostPort, defaultPort, nil
	}
	host := hostPort[:i]
	if host == "" {
		return "", 0, &ParseError{Reason: "missing host"}
	}
	port, err := parsePort(hostPort[i+1:])
	return host, port, err
}

func parsePort(v string) (int, error) {
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return 0, &ParseError{Reason: fmt.Sprintf("invalid port %q", v)}
	}
	return port, nil
}

func parseTransport(params url.Values) Transport {
	switch params.Get("type") {
	case "ws":
		return WebSocket{Path: params.Get("path"), Host: params.Get("host")}
	case "grpc":
		return MultiplexedStream{ServiceName: params.Get("serviceName")}
	default:
		return Plain{}
	}
}

func parseSecurity(params url.Values) Security {
	switch params.Get("security") {
	case "tls":
		return TLS{
			SNI:         params.Get("sni"),
			Fingerprint: params.Get("fp"),
			ALPN:        splitList(params.Get("alpn")),
		}
	case "reality":
		return Reality{
			SNI:         params.Get("sni"),
			Fingerprint: params.Get("fp"),
			PublicKey:   params.Get("pbk"),
			ShortID:     params.Get("sid"),
		}
	default:
		return NoSecurity{}
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeFragment(v string) string {
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return v
	}
	return decoded
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
