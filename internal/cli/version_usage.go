package cli

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `keyswap - API key rotating gateway with per-key VLESS egress

Proxies requests to an upstream API, picking the credential with the most
balance left and rotating to the next one when the upstream answers 402.
Credentials may be bound to VLESS tunnels served by a supervised xray daemon.

Usage:
  keyswap server                              Start the gateway
  keyswap token create --name NAME            Create a service token (printed once)
  keyswap token list                          List service tokens with usage
  keyswap token revoke --id=ID                Revoke a service token
  keyswap token delete --id=ID                Delete a service token
  keyswap key add --key KEY [--tunnel=ID]     Validate and store an upstream key
  keyswap key list                            List upstream keys (masked)
  keyswap key remove --id=ID                  Remove an upstream key
  keyswap key bind --id=ID [--tunnel=ID]      Bind a key to a tunnel, or unbind it
  keyswap key reactivate [--id=ID]            Reactivate one key, or all of them
  keyswap tunnel add --url vless://...        Store a tunnel link
  keyswap tunnel list                         List tunnels
  keyswap tunnel remove --id=ID               Remove a tunnel, unbinding its keys
  keyswap tunnel enable|disable --id=ID       Toggle a tunnel
  keyswap xray-config                         Print the xray config for active tunnels
  keyswap version                             Print version
  keyswap help                                Show this help

Tunnel and key changes made here are picked up by a running server at its
next balance check.

Environment Variables:
  KEYSWAP_DB_PATH                 SQLite database path (default: ./keyswap.db)
  KEYSWAP_LISTEN                  HTTP listen address (default: :8080)
  KEYSWAP_UPSTREAM                Upstream API base URL
  KEYSWAP_ADMIN_TOKEN             Bearer token for /_admin/ (empty disables it)
  KEYSWAP_BALANCE_THRESHOLD       Minimum usable balance (default: 0.1)
  KEYSWAP_BALANCE_CHECK_INTERVAL  Balance check interval (default: 10s)
  KEYSWAP_TUNNELS                 Comma-separated vless:// links seeded at startup
  KEYSWAP_TUNNELS_FILE            YAML file of vless:// links seeded at startup
  KEYSWAP_XRAY_BINARY             xray executable (default: /usr/local/bin/xray)
  KEYSWAP_TLS_DOMAIN              Serve HTTPS for this domain via ACME
  KEYSWAP_LOG_LEVEL               Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "keyswap", Version)
}
