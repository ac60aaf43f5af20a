package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/config"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/logging"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context, cfg config.Config) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresOptions{
			URL:        cfg.Database.URL,
			RequireTLS: cfg.Database.RequireTLS,
			MaxConns:   2,
		})
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	if err := run(ctx); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load("migrator")
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Service, cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pool, err := openDBFn(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	m := &migrator{db: pool, dir: migrationsDir(), logger: logger}
	applied, err := m.apply(ctx)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", zap.Int("applied", len(applied)))
	return nil
}

func migrationsDir() string {
	if dir := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")); dir != "" {
		return dir
	}
	return "migrations"
}

// migrator applies *.sql files in lexical order, each in its own transaction,
// and refuses to continue when an applied file has since been edited.
type migrator struct {
	db       migrationDB
	dir      string
	readFile func(name string) ([]byte, error)
	glob     func(pattern string) ([]string, error)
	logger   *zap.Logger
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (m *migrator) apply(ctx context.Context) ([]string, error) {
	if m.db == nil {
		return nil, errors.New("db required")
	}
	readFile := m.readFile
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	glob := m.glob
	if glob == nil {
		glob = filepath.Glob
	}
	logger := logging.OrNop(m.logger)

	if _, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := filepath.Clean(m.dir)
	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	var applied []string
	for _, file := range files {
		cleanFile, err := validateMigrationPath(dir, file)
		if err != nil {
			return applied, fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(cleanFile)
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := checksum(sqlBytes)

		var recorded string
		err = m.db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != sum {
				return applied, fmt.Errorf("migration %s changed after it was applied", name)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("migration lookup: %w", err)
		}

		err = pgx.BeginFunc(ctx, m.db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
				return fmt.Errorf("mark migration %s: %w", name, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		logger.Info("applied migration", zap.String("file", name))
		applied = append(applied, name)
	}
	return applied, nil
}
