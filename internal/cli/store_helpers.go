package cli

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/koltyakov/keyswap/internal/store/sqlite"
)

const timeLayout = "2006-01-02T15:04:05Z"

func defaultDBPath() string {
	return envOr("KEYSWAP_DB_PATH", "./keyswap.db")
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", defaultDBPath(), "sqlite db path")
	return fs, dbPath
}

func openSQLiteStoreOrExit(dbPath string, stderr io.Writer) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}

// parseOptionalID parses an id flag where "" and "none" mean no id.
func parseOptionalID(v string) (*int64, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "none") {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid id %q", v)
	}
	return &id, nil
}
