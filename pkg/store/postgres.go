package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/retry"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresPingTimeout  = 2 * time.Second
)

// PostgresOptions configures NewPostgresPool.
type PostgresOptions struct {
	URL        string
	RequireTLS bool
	MaxConns   int32
	// Connect bounds the dial+ping attempts made while the database comes up.
	Connect retry.Policy
}

// DefaultPostgresConnect waits up to roughly a minute for the database.
var DefaultPostgresConnect = retry.Policy{Attempts: 30, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}

// NewPostgresPool dials the audit store and pings it until it answers or the
// connect policy is exhausted.
func NewPostgresPool(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(opts.URL)
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if opts.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = time.Minute * 5
	connect := opts.Connect
	if connect.Attempts <= 0 {
		connect = DefaultPostgresConnect
	}

	var pool *pgxpool.Pool
	err = retry.Do(ctx, connect, func(ctx context.Context, _ int) error {
		p, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = p.Ping(ctxPing)
		cancel()
		if err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("db ping retries exhausted: %w", err)
	}
	return pool, nil
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

// PostgresTLSEnabled reports whether the DSN asks for an encrypted connection.
func PostgresTLSEnabled(rawURL string) bool {
	return validatePostgresTLS(rawURL) == nil
}
