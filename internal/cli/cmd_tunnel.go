package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/koltyakov/keyswap/internal/vless"
)

func runTunnel(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: keyswap tunnel <add|list|remove|enable|disable> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runTunnelAdd(ctx, args[1:], stdout, stderr)
	case "list":
		return runTunnelList(ctx, args[1:], stdout, stderr)
	case "remove":
		return runTunnelRemove(ctx, args[1:], stdout, stderr)
	case "enable":
		return runTunnelSetActive(ctx, true, args[1:], stdout, stderr)
	case "disable":
		return runTunnelSetActive(ctx, false, args[1:], stdout, stderr)
	default:
		fmt.Fprintln(stderr, "unknown tunnel command:", args[0])
		return 2
	}
}

func runTunnelAdd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("tunnel-add", stderr)
	rawURL := fs.String("url", "", "vless:// link")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	raw := strings.TrimSpace(*rawURL)
	if raw == "" && fs.NArg() > 0 {
		raw = strings.TrimSpace(fs.Arg(0))
	}
	if raw == "" {
		fmt.Fprintln(stderr, "missing --url")
		return 2
	}
	desc, err := vless.ParseStrict(raw)
	if err != nil {
		fmt.Fprintln(stderr, "invalid tunnel:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(*dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	rec, created, err := store.AddTunnel(ctx, raw, desc.Remark)
	if err != nil {
		fmt.Fprintln(stderr, "add tunnel:", err)
		return 1
	}
	fmt.Fprintln(stdout, "id:", rec.ID)
	fmt.Fprintln(stdout, "remark:", rec.Remark)
	fmt.Fprintln(stdout, "address:", desc.Address())
	fmt.Fprintln(stdout, "config_index:", rec.ConfigIndex)
	fmt.Fprintln(stdout, "created:", created)
	return 0
}

func runTunnelList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("tunnel-list", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(*dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	tunnels, err := store.ListTunnels(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "list tunnels:", err)
		return 1
	}
	for _, t := range tunnels {
		address := "?"
		if desc, ok := vless.Parse(t.URL); ok {
			address = desc.Address()
		}
		fmt.Fprintf(stdout, "%d\t%s\t%s\tactive=%t\tindex=%d\tcreated=%s\n",
			t.ID, t.Remark, address, t.Active, t.ConfigIndex, t.CreatedAt.UTC().Format(timeLayout))
	}
	return 0
}

func runTunnelRemove(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("tunnel-remove", stderr)
	var id int64
	fs.Int64Var(&id, "id", 0, "tunnel id")
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

	if err := store.DeleteTunnel(ctx, id); err != nil {
		fmt.Fprintln(stderr, "remove tunnel:", err)
		return 1
	}
	fmt.Fprintln(stdout, "removed:", id)
	return 0
}

func runTunnelSetActive(ctx context.Context, active bool, args []string, stdout, stderr io.Writer) int {
	action := "disable"
	if active {
		action = "enable"
	}
	fs, dbPath := newFlagSet("tunnel-"+action, stderr)
	var id int64
	fs.Int64Var(&id, "id", 0, "tunnel id")
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

	if err := store.SetTunnelActive(ctx, id, active); err != nil {
		fmt.Fprintf(stderr, "%s tunnel: %v\n", action, err)
		return 1
	}
	fmt.Fprintf(stdout, "%sd: %d\n", action, id)
	return 0
}
