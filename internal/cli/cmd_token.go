package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/koltyakov/keyswap/internal/auth"
)

func runToken(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: keyswap token <create|list|revoke|delete> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runTokenCreate(ctx, args[1:], stdout, stderr)
	case "list":
		return runTokenList(ctx, args[1:], stdout, stderr)
	case "revoke":
		return runTokenChange(ctx, "revoke", args[1:], stdout, stderr)
	case "delete":
		return runTokenChange(ctx, "delete", args[1:], stdout, stderr)
	default:
		fmt.Fprintln(stderr, "unknown token command:", args[0])
		return 2
	}
}

func runTokenCreate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("token-create", stderr)
	name := fs.String("name", "default", "token label")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(*dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	plain, err := auth.GenerateToken()
	if err != nil {
		fmt.Fprintln(stderr, "generate token:", err)
		return 1
	}
	rec, err := store.CreateServiceToken(ctx, *name, auth.HashToken(plain))
	if err != nil {
		fmt.Fprintln(stderr, "create token:", err)
		return 1
	}
	fmt.Fprintln(stdout, "id:", rec.ID)
	fmt.Fprintln(stdout, "name:", rec.Name)
	fmt.Fprintln(stdout, "token:", plain)
	return 0
}

func runTokenList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("token-list", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(*dbPath, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats, err := store.TokenStats(ctx, since)
	if err != nil {
		fmt.Fprintln(stderr, "list tokens:", err)
		return 1
	}
	for _, ts := range stats {
		fmt.Fprintf(stdout, "%d\t%s\tactive=%t\ttoday=%d\tsuccess_today=%d\ttotal=%d\tcreated=%s\n",
			ts.Token.ID, ts.Token.Name, ts.Token.Active, ts.Today, ts.SuccessToday, ts.Total,
			ts.Token.CreatedAt.UTC().Format(timeLayout))
	}
	return 0
}

func runTokenChange(ctx context.Context, action string, args []string, stdout, stderr io.Writer) int {
	fs, dbPath := newFlagSet("token-"+action, stderr)
	var id int64
	fs.Int64Var(&id, "id", 0, "token id")
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

	var err error
	if action == "revoke" {
		err = store.RevokeServiceToken(ctx, id)
	} else {
		err = store.DeleteServiceToken(ctx, id)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s token: %v\n", action, err)
		return 1
	}
	fmt.Fprintf(stdout, "%sd: %d\n", action, id)
	return 0
}
