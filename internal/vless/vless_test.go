package vless

import (
	"errors"
	"reflect"
	"testing"

	"github.com/koltyakov/keyswap/internal/domain"
)

func TestParseWebSocketTLS(t *testing.T) {
	t.Parallel()

	d, ok := Parse("vless://u@h:443?type=ws&security=tls&sni=ex.com#Remark")
	if !ok {
		t.Fatal("expected link to parse")
	}
	if d.ID != "u" || d.Host != "h" || d.Port != 443 || d.Remark != "Remark" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if _, ok := d.Transport.(WebSocket); !ok {
		t.Fatalf("expected websocket transport, got %T", d.Transport)
	}
	tls, ok := d.Security.(TLS)
	if !ok {
		t.Fatalf("expected TLS security, got %T", d.Security)
	}
	if tls.SNI != "ex.com" {
		t.Fatalf("expected sni ex.com, got %q", tls.SNI)
	}
}

func TestParseRequiresAt(t *testing.T) {
	t.Parallel()

	if _, ok := Parse("vless://uuid-host:443?type=tcp"); ok {
		t.Fatal("expected link without @ to be rejected")
	}
	_, err := ParseStrict("vless://uuid-host:443")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if !errors.Is(err, domain.ErrInvalidTunnel) {
		t.Fatalf("expected ErrInvalidTunnel, got %v", err)
	}
}

func TestParseDefaultsPort(t *testing.T) {
	t.Parallel()

	d, ok := Parse("vless://id@example.com")
	if !ok {
		t.Fatal("expected link to parse")
	}
	if d.Port != 443 {
		t.Fatalf("expected default port 443, got %d", d.Port)
	}
	if d.Encryption != "none" {
		t.Fatalf("expected default encryption none, got %q", d.Encryption)
	}
	if _, ok := d.Transport.(Plain); !ok {
		t.Fatalf("expected plain transport, got %T", d.Transport)
	}
	if _, ok := d.Security.(NoSecurity); !ok {
		t.Fatalf("expected no security, got %T", d.Security)
	}
}

func TestParseReality(t *testing.T) {
	t.Parallel()

	d, ok := Parse("vless://abc@1.2.3.4:8443?type=grpc&serviceName=svc&security=reality&sni=www.example.com&fp=chrome&pbk=KEY&sid=ab12&flow=xtls-rprx-vision#DE%20node")
	if !ok {
		t.Fatal("expected link to parse")
	}
	if d.Remark != "DE node" {
		t.Fatalf("expected decoded remark, got %q", d.Remark)
	}
	if d.Flow != "xtls-rprx-vision" {
		t.Fatalf("unexpected flow %q", d.Flow)
	}
	want := Reality{SNI: "www.example.com", Fingerprint: "chrome", PublicKey: "KEY", ShortID: "ab12"}
	if !reflect.DeepEqual(d.Security, want) {
		t.Fatalf("got %+v, want %+v", d.Security, want)
	}
	if got := d.Transport.(MultiplexedStream).ServiceName; got != "svc" {
		t.Fatalf("unexpected service name %q", got)
	}
	if d.Address() != "1.2.3.4:8443" {
		t.Fatalf("unexpected address %q", d.Address())
	}
}

func TestParseTLSALPN(t *testing.T) {
	t.Parallel()

	d, ok := Parse("vless://id@h:443?security=tls&alpn=h2,http/1.1&fp=firefox")
	if !ok {
		t.Fatal("expected link to parse")
	}
	want := TLS{Fingerprint: "firefox", ALPN: []string{"h2", "http/1.1"}}
	if !reflect.DeepEqual(d.Security, want) {
		t.Fatalf("got %+v, want %+v", d.Security, want)
	}
}

func TestParseUnknownKindsDegrade(t *testing.T) {
	t.Parallel()

	d, ok := Parse("vless://id@h:443?type=kcp&security=xtls")
	if !ok {
		t.Fatal("expected link to parse")
	}
	if _, ok := d.Transport.(Plain); !ok {
		t.Fatalf("expected unknown transport to degrade to plain, got %T", d.Transport)
	}
	if _, ok := d.Security.(NoSecurity); !ok {
		t.Fatalf("expected unknown security to degrade to none, got %T", d.Security)
	}
}

func TestParseIPv6(t *testing.T) {
	t.Parallel()

	d, ok := Parse("vless://id@[2001:db8::1]:2053?type=ws&path=%2Fws")
	if !ok {
		t.Fatal("expected link to parse")
	}
	if d.Host != "2001:db8::1" || d.Port != 2053 {
		t.Fatalf("unexpected host/port %q %d", d.Host, d.Port)
	}
	if d.Address() != "[2001:db8::1]:2053" {
		t.Fatalf("unexpected address %q", d.Address())
	}
	if got := d.Transport.(WebSocket).Path; got != "/ws" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"wrong_scheme":  "vmess://id@h:443",
		"empty":         "",
		"bad_port":      "vless://id@h:abc",
		"port_range":    "vless://id@h:70000",
		"missing_host":  "vless://id@:443",
		"empty_host":    "vless://id@",
		"bad_ipv6":      "vless://id@[::1",
		"ipv6_trailing": "vless://id@[::1]x",
		"bad_query":     "vless://id@h:443?a=%zz",
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, ok := Parse(raw); ok {
				t.Fatalf("expected %q to be rejected", raw)
			}
		})
	}
}

func TestParseTrimsWhitespace(t *testing.T) {
	t.Parallel()

	d, ok := Parse("  vless://id@h:80#x \n")
	if !ok {
		t.Fatal("expected link to parse")
	}
	if d.Port != 80 || d.Remark != "x" {
		t.Fatalf("unexpected descriptor %+v", d)
	}
}
