package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/koltyakov/keyswap/internal/xray"
)

// runXrayConfig prints the daemon configuration the server would launch,
// for the active stored tunnels or for links given with --tunnels.
func runXrayConfig(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("xray-config", stderr)
	links := fs.String("tunnels", "", "comma-separated vless:// links instead of the stored tunnels")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var urls []string
	for _, part := range strings.Split(*links, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	if len(urls) == 0 {
		store, code := openSQLiteStoreOrExit(*dbPath, stderr)
		if code != 0 {
			return code
		}
		defer func() { _ = store.Close() }()
		tunnels, err := store.ListActiveTunnels(ctx)
		if err != nil {
			fmt.Fprintln(stderr, "list tunnels:", err)
			return 1
		}
		for _, t := range tunnels {
			urls = append(urls, t.URL)
		}
	}

	data, n, err := xray.RenderConfig(urls)
	if errors.Is(err, xray.ErrNoTunnels) {
		fmt.Fprintln(stderr, "no valid tunnels")
		return 1
	}
	if err != nil {
		fmt.Fprintln(stderr, "render config:", err)
		return 1
	}
	_, _ = stdout.Write(data)
	fmt.Fprintf(stderr, "%d tunnel(s)\n", n)
	return 0
}
