package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/logging"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/retry"
)

// lockConn is one database session. Advisory locks belong to the session
// that took them, so the connection is held until release.
type lockConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// ChainLock hands out a Postgres session advisory lock per chain id. A second
// replica polls until the first one exits instead of racing its appends.
type ChainLock struct {
	acquire func(ctx context.Context) (lockConn, error)
	poll    time.Duration
	logger  *zap.Logger
}

func NewChainLock(pool *pgxpool.Pool, poll time.Duration, logger *zap.Logger) *ChainLock {
	return newChainLock(func(ctx context.Context) (lockConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, poll, logger)
}

func newChainLock(acquire func(ctx context.Context) (lockConn, error), poll time.Duration, logger *zap.Logger) *ChainLock {
	if poll <= 0 {
		poll = time.Second
	}
	return &ChainLock{acquire: acquire, poll: poll, logger: logging.OrNop(logger)}
}

// Acquire blocks until the lock of chainID is held or ctx ends. The returned
// func unlocks and returns the session to the pool.
func (l *ChainLock) Acquire(ctx context.Context, chainID string) (func(), error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain lock connection: %w", err)
	}
	waiting := false
	for {
		var held bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, chainID).Scan(&held); err != nil {
			conn.Release()
			return nil, fmt.Errorf("try chain lock %s: %w", chainID, err)
		}
		if held {
			break
		}
		if !waiting {
			l.logger.Info("audit chain held by another writer, waiting", zap.String("chain_id", chainID))
			waiting = true
		}
		if err := retry.Sleep(ctx, l.poll); err != nil {
			conn.Release()
			return nil, err
		}
	}
	l.logger.Info("audit chain lock acquired", zap.String("chain_id", chainID))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var released bool
		if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, chainID).Scan(&released); err != nil || !released {
			l.logger.Warn("audit chain unlock failed", zap.String("chain_id", chainID), zap.Bool("released", released), zap.Error(err))
		}
		conn.Release()
	}, nil
}
