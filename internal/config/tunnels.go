package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TunnelsFile is the YAML document read from KEYSWAP_TUNNELS_FILE:
//
//	tunnels:
//	  - vless://uuid@host:443?type=ws&security=tls#edge
//	  - url: vless://uuid@other:443#backup
//	    disabled: true
type TunnelsFile struct {
	Tunnels []TunnelEntry `yaml:"tunnels"`
}

// TunnelEntry is a tunnel link, written either as a bare string or as a
// mapping with a url key.
type TunnelEntry struct {
	URL      string `yaml:"url"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

func (e *TunnelEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.URL = node.Value
		return nil
	}
	type plain TunnelEntry
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = TunnelEntry(p)
	return nil
}

// LoadTunnelsFile returns the enabled links of the file at path in order.
func LoadTunnelsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tunnels file: %w", err)
	}
	var file TunnelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tunnels file: %w", err)
	}
	out := make([]string, 0, len(file.Tunnels))
	for _, t := range file.Tunnels {
		u := strings.TrimSpace(t.URL)
		if u == "" || t.Disabled {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}
