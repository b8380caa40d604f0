package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/staykey/internal/config"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gorm", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "pgconn", err: &pgconn.PgError{Code: "23505"}, want: true},
		{name: "mysql", err: errors.New("Error 1062: Duplicate entry"), want: true},
		{name: "sqlite", err: errors.New("UNIQUE constraint failed: virtual_keys.external_auth_id"), want: true},
		{name: "other", err: errors.New("connection refused"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsDuplicateKeyErr(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestPostgresDSNPrefersURL(t *testing.T) {
	cfg := config.Config{DBHost: "db", DBUser: "u", DBPassword: "p", DBName: "staykey", DBPort: "5432", DBSSLMode: "disable"}
	if got := postgresDSN(cfg); got != "host=db user=u password=p dbname=staykey port=5432 sslmode=disable TimeZone=UTC" {
		t.Fatalf("unexpected dsn %q", got)
	}

	cfg.DBURL = "postgres://u:p@db/staykey"
	if got := postgresDSN(cfg); got != cfg.DBURL {
		t.Fatalf("expected url dsn, got %q", got)
	}
}

func TestSqlitePathAddsPragmas(t *testing.T) {
	if got := sqlitePath(config.Config{}); got != "staykey.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := sqlitePath(config.Config{DBName: "file::memory:?cache=shared"}); got != "file::memory:?cache=shared" {
		t.Fatalf("unexpected path %q", got)
	}
}
