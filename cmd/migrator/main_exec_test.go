package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/config"
)

func TestMainDirectMigrator(t *testing.T) {
	origLogFatalf := logFatalf
	origOpenDB := openDBFn
	t.Cleanup(func() {
		logFatalf = origLogFatalf
		openDBFn = origOpenDB
	})

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_audit_chain.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MIGRATIONS_DIR", dir)

	t.Run("main success path", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		db := &fakeMigratorDB{}
		openDBFn = func(context.Context, config.Config) (migratorDBCloser, error) { return db, nil }

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
		if !db.closed {
			t.Fatal("pool should be closed")
		}
	})

	t.Run("main db error calls logFatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		openDBFn = func(context.Context, config.Config) (migratorDBCloser, error) {
			return nil, errors.New("db connection failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on db error")
		}
	})

	t.Run("main migration error calls logFatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(string, ...any) { fatalCalled = true }
		openDBFn = func(context.Context, config.Config) (migratorDBCloser, error) {
			return &fakeMigratorDB{
				queryRowFn: func(context.Context, string, ...any) pgx.Row { return fakeMigratorRow{err: pgx.ErrNoRows} },
				beginFn: func(context.Context) (pgx.Tx, error) {
					return &fakeMigratorTx{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
						return pgconn.CommandTag{}, errors.New("syntax error")
					}}, nil
				},
			}, nil
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on migration error")
		}
	})
}
