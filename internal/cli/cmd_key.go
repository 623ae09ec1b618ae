package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/koltyakov/keyswap/internal/pool"
	"github.com/koltyakov/keyswap/internal/upstream"
)

func runKey(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: keyswap key <add|list|remove|bind|reactivate> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runKeyAdd(ctx, args[1:], stdout, stderr)
	case "list":
		return runKeyList(ctx, args[1:], stdout, stderr)
	case "remove":
		return runKeyRemove(ctx, args[1:], stdout, stderr)
	case "bind":
		return runKeyBind(ctx, args[1:], stdout, stderr)
	case "reactivate":
		return runKeyReactivate(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintln(stderr, "unknown key command:", args[0])
		return 2
	}
}

func cliPool(store pool.Store, stderr io.Writer) *pool.Pool {
	return pool.New(store, slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
}

// runKeyAdd validates the key against the upstream over a direct route and
// stores it with the measured balance. The daemon belongs to the server, so
// a tunnel binding only takes effect once the server routes through it.
func runKeyAdd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("key-add", stderr)
	key := fs.String("key", "", "upstream API key")
	tunnel := fs.String("tunnel", "", "tunnel id to route the key through")
	upstreamURL := fs.String("upstream", envOr("KEYSWAP_UPSTREAM", upstream.DefaultBaseURL), "upstream API base URL")
	timeout := fs.Duration("probe-timeout", envDurationOr("KEYSWAP_PROBE_TIMEOUT", upstream.DefaultProbeTimeout), "balance probe timeout")
	noValidate := fs.Bool("no-validate", false, "store the key without probing it")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	secret := strings.TrimSpace(*key)
	if secret == "" {
		fmt.Fprintln(stderr, "missing --key")
		return 2
	}
	tunnelID, err := parseOptionalID(*tunnel)
	if err != nil {
		fmt.Fprintln(stderr, "invalid --tunnel:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(*dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if tunnelID != nil {
		if _, err := store.GetTunnel(ctx, *tunnelID); err != nil {
			fmt.Fprintln(stderr, "get tunnel:", err)
			return 1
		}
	}

	var balance *float64
	if !*noValidate {
		transports := upstream.NewTransports()
		defer transports.CloseIdleConnections()
		prober := upstream.NewProber(*upstreamURL, transports, *timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
		report, ok := prober.Validate(ctx, secret, upstream.Direct)
		if !ok {
			fmt.Fprintln(stderr, "key rejected by upstream:", report.Err)
			return 1
		}
		balance = report.Balance
	}

	cred, err := cliPool(store, stderr).AdmitProbed(ctx, secret, tunnelID, balance)
	if err != nil {
		fmt.Fprintln(stderr, "add key:", err)
		return 1
	}
	fmt.Fprintln(stdout, "id:", cred.ID)
	fmt.Fprintln(stdout, "index:", cred.Index)
	fmt.Fprintln(stdout, "key:", cred.Masked())
	fmt.Fprintln(stdout, "balance:", formatBalance(cred.Balance))
	return 0
}

func runKeyList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("key-list", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(*dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	creds, err := cliPool(store, stderr).List(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "list keys:", err)
		return 1
	}
	for _, c := range creds {
		tunnel := "direct"
		if c.TunnelID != nil {
			tunnel = fmt.Sprintf("%d(%s)", *c.TunnelID, c.TunnelRemark)
		}
		fmt.Fprintf(stdout, "%d\t%s\tactive=%t\tbalance=%s\ttunnel=%s\n",
			c.ID, c.Masked(), c.Active, formatBalance(c.Balance), tunnel)
	}
	return 0
}

func runKeyRemove(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("key-remove", stderr)
	var id int64
	fs.Int64Var(&id, "id", 0, "key id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id <= 0 {
		fmt.Fprintln(stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(*dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := cliPool(store, stderr).Remove(ctx, id); err != nil {
		fmt.Fprintln(stderr, "remove key:", err)
		return 1
	}
	fmt.Fprintln(stdout, "removed:", id)
	return 0
}

func runKeyBind(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("key-bind", stderr)
	var id int64
	fs.Int64Var(&id, "id", 0, "key id")
	tunnel := fs.String("tunnel", "", "tunnel id, empty or none to unbind")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id <= 0 {
		fmt.Fprintln(stderr, "missing --id")
		return 2
	}
	tunnelID, err := parseOptionalID(*tunnel)
	if err != nil {
		fmt.Fprintln(stderr, "invalid --tunnel:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(*dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if tunnelID != nil {
		if _, err := store.GetTunnel(ctx, *tunnelID); err != nil {
			fmt.Fprintln(stderr, "get tunnel:", err)
			return 1
		}
	}
	if err := cliPool(store, stderr).Rebind(ctx, id, tunnelID); err != nil {
		fmt.Fprintln(stderr, "bind key:", err)
		return 1
	}
	if tunnelID == nil {
		fmt.Fprintf(stdout, "unbound: %d\n", id)
	} else {
		fmt.Fprintf(stdout, "bound: %d -> %d\n", id, *tunnelID)
	}
	return 0
}

func runKeyReactivate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("key-reactivate", stderr)
	var id int64
	fs.Int64Var(&id, "id", 0, "key id (default: all keys)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(*dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	p := cliPool(store, stderr)
	if id > 0 {
		if err := p.Reactivate(ctx, id); err != nil {
			fmt.Fprintln(stderr, "reactivate key:", err)
			return 1
		}
		fmt.Fprintln(stdout, "reactivated:", id)
		return 0
	}
	n, err := p.ReactivateAll(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "reactivate keys:", err)
		return 1
	}
	fmt.Fprintln(stdout, "reactivated:", n)
	return 0
}

func formatBalance(b *float64) string {
	if b == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.2f", *b)
}

