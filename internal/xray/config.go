// Package xray generates configuration for the external xray daemon and
// supervises its process. One local SOCKS5 inbound is created per tunnel,
// each bound by a routing rule to exactly one vless outbound.
package xray

import (
	"encoding/json"
	"fmt"

	"github.com/koltyakov/keyswap/internal/domain"
	"github.com/koltyakov/keyswap/internal/vless"
)

const listenAddr = "127.0.0.1"

// Config is the root of an xray JSON configuration.
type Config struct {
	Log       LogConfig  `json:"log"`
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
	Routing   Routing    `json:"routing"`
}

type LogConfig struct {
	LogLevel string `json:"loglevel"`
}

type Inbound struct {
	Tag      string          `json:"tag"`
	Port     int             `json:"port"`
	Listen   string          `json:"listen"`
	Protocol string          `json:"protocol"`
	Settings InboundSettings `json:"settings"`
}

type InboundSettings struct {
	UDP bool `json:"udp"`
}

type Outbound struct {
	Tag            string           `json:"tag"`
	Protocol       string           `json:"protocol"`
	Settings       OutboundSettings `json:"settings"`
	StreamSettings StreamSettings   `json:"streamSettings"`
}

type OutboundSettings struct {
	VNext []VNext `json:"vnext"`
}

type VNext struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Users   []User `json:"users"`
}

type User struct {
	ID         string `json:"id"`
	Encryption string `json:"encryption"`
	Flow       string `json:"flow,omitempty"`
}

// StreamSettings holds exactly one transport block and at most one
// security block, chosen by the descriptor's variants.
type StreamSettings struct {
	Network         string           `json:"network"`
	TCPSettings     *TCPSettings     `json:"tcpSettings,omitempty"`
	WSSettings      *WSSettings      `json:"wsSettings,omitempty"`
	GRPCSettings    *GRPCSettings    `json:"grpcSettings,omitempty"`
	Security        string           `json:"security"`
	TLSSettings     *TLSSettings     `json:"tlsSettings,omitempty"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
}

type TCPSettings struct{}

type WSSettings struct {
	Path    string     `json:"path,omitempty"`
	Headers *WSHeaders `json:"headers,omitempty"`
}

type WSHeaders struct {
	Host string `json:"Host"`
}

type GRPCSettings struct {
	ServiceName string `json:"serviceName,omitempty"`
}

type TLSSettings struct {
	ServerName  string   `json:"serverName,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	ALPN        []string `json:"alpn,omitempty"`
}

type RealitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	ShortID     string `json:"shortId,omitempty"`
}

type Routing struct {
	Rules []Rule `json:"rules"`
}

type Rule struct {
	Type        string   `json:"type"`
	InboundTag  []string `json:"inboundTag"`
	OutboundTag string   `json:"outboundTag"`
}

// InboundTag names the local listener of the tunnel at position i.
func InboundTag(i int) string { return fmt.Sprintf("socks-in-%d", i) }

// OutboundTag names the vless outbound of the tunnel at position i.
func OutboundTag(i int) string { return fmt.Sprintf("vless-%d", i) }

// GenerateConfig builds the daemon configuration for tunnels in order. The
// tunnel at position i listens on [domain.SOCKSPort](i).
func GenerateConfig(tunnels []vless.Descriptor) Config {
	cfg := Config{
		Log:       LogConfig{LogLevel: "warning"},
		Inbounds:  make([]Inbound, 0, len(tunnels)),
		Outbounds: make([]Outbound, 0, len(tunnels)),
		Routing:   Routing{Rules: make([]Rule, 0, len(tunnels))},
	}
	for i, d := range tunnels {
		cfg.Inbounds = append(cfg.Inbounds, Inbound{
			Tag:      InboundTag(i),
			Port:     domain.SOCKSPort(i),
			Listen:   listenAddr,
			Protocol: "socks",
			Settings: InboundSettings{UDP: true},
		})
		cfg.Outbounds = append(cfg.Outbounds, Outbound{
			Tag:      OutboundTag(i),
			Protocol: "vless",
			Settings: OutboundSettings{VNext: []VNext{{
				Address: d.Host,
				Port:    d.Port,
				Users:   []User{{ID: d.ID, Encryption: d.Encryption, Flow: d.Flow}},
			}}},
			StreamSettings: buildStreamSettings(d),
		})
		cfg.Routing.Rules = append(cfg.Routing.Rules, Rule{
			Type:        "field",
			InboundTag:  []string{InboundTag(i)},
			OutboundTag: OutboundTag(i),
		})
	}
	return cfg
}

func buildStreamSettings(d vless.Descriptor) StreamSettings {
	var s StreamSettings
	switch t := d.Transport.(type) {
	case vless.WebSocket:
		s.Network = t.Network()
		ws := &WSSettings{Path: t.Path}
		if t.Host != "" {
			ws.Headers = &WSHeaders{Host: t.Host}
		}
		s.WSSettings = ws
	case vless.MultiplexedStream:
		s.Network = t.Network()
		s.GRPCSettings = &GRPCSettings{ServiceName: t.ServiceName}
	default:
		s.Network = vless.Plain{}.Network()
		s.TCPSettings = &TCPSettings{}
	}

	switch sec := d.Security.(type) {
	case vless.TLS:
		s.Security = sec.Name()
		s.TLSSettings = &TLSSettings{ServerName: sec.SNI, Fingerprint: sec.Fingerprint, ALPN: sec.ALPN}
	case vless.Reality:
		s.Security = sec.Name()
		s.RealitySettings = &RealitySettings{
			ServerName:  sec.SNI,
			Fingerprint: sec.Fingerprint,
			PublicKey:   sec.PublicKey,
			ShortID:     sec.ShortID,
		}
	default:
		s.Security = vless.NoSecurity{}.Name()
	}
	return s
}

// ParseURLs parses links in order, dropping the ones that do not parse.
func ParseURLs(urls []string) []vless.Descriptor {
	out := make([]vless.Descriptor, 0, len(urls))
	for _, u := range urls {
		if d, ok := vless.Parse(u); ok {
			out = append(out, d)
		}
	}
	return out
}

// RenderConfig parses urls and marshals the resulting configuration. It
// returns the number of tunnels in the document.
func RenderConfig(urls []string) ([]byte, int, error) {
	tunnels := ParseURLs(urls)
	if len(tunnels) == 0 {
		return nil, 0, ErrNoTunnels
	}
	data, err := marshalConfig(GenerateConfig(tunnels))
	if err != nil {
		return nil, 0, err
	}
	return data, len(tunnels), nil
}

func marshalConfig(cfg Config) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode xray config: %w", err)
	}
	return append(data, '\n'), nil
}
