package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// newTestDB provisions a throwaway SQL Server database with the tradeguard
// schema applied, or skips the test when no server is reachable. Point it at
// a server by exporting MSSQL_SA_PASSWORD (and optionally MSSQL_HOST and
// MSSQL_PORT), or by putting MSSQL_SA_PASSWORD in a .env file at the module
// root.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	password := saPassword(t)
	if password == "" {
		t.Skip("MSSQL_SA_PASSWORD not set; start SQL Server and export it or add it to .env")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	master := openTestConn(t, password, "master")
	if err := master.PingContext(ctx); err != nil {
		t.Fatalf("ping master db: %v", err)
	}

	name := fmt.Sprintf("tradeguard_test_%d_%d", os.Getpid(), time.Now().UnixNano())
	if _, err := master.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE [%s]", name)); err != nil {
		t.Fatalf("create database %s: %v", name, err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = master.ExecContext(dropCtx, fmt.Sprintf("ALTER DATABASE [%s] SET SINGLE_USER WITH ROLLBACK IMMEDIATE", name))
		_, _ = master.ExecContext(dropCtx, fmt.Sprintf("DROP DATABASE [%s]", name))
	})

	db := openTestConn(t, password, name)
	schema, err := os.ReadFile(filepath.Join(repoRoot(t), "conf", "sql", "tradeguard", "001_create_schema.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func openTestConn(t *testing.T, password, database string) *sql.DB {
	t.Helper()
	host := os.Getenv("MSSQL_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("MSSQL_PORT")
	if port == "" {
		port = "1433"
	}
	dsn := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword("sa", password),
		Host:     host + ":" + port,
		RawQuery: url.Values{"database": {database}, "encrypt": {"disable"}}.Encode(),
	}
	db, err := sql.Open("sqlserver", dsn.String())
	if err != nil {
		t.Fatalf("open %s: %v", database, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// saPassword checks the environment first, then a .env file at the module
// root. An empty result means there is no server to test against.
func saPassword(t *testing.T) string {
	t.Helper()
	if value := strings.TrimSpace(os.Getenv("MSSQL_SA_PASSWORD")); value != "" {
		return value
	}

	data, err := os.ReadFile(filepath.Join(repoRoot(t), ".env"))
	if err != nil {
		if !os.IsNotExist(err) {
			t.Fatalf("read .env: %v", err)
		}
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || strings.HasPrefix(key, "#") {
			continue
		}
		if strings.TrimSpace(key) == "MSSQL_SA_PASSWORD" {
			return strings.Trim(strings.TrimSpace(value), `"'`)
		}
	}
	return ""
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("resolve repo root")
	}
	return filepath.Dir(filepath.Dir(filename))
}
