package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/auditchain"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

const (
	uniqueViolation = "23505"
	// fingerprintIndex enforces one record per payload per chain.
	fingerprintIndex = "audit_records_chain_fingerprint_key"
)

type auditDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is the append-only audit store. Records and the chain
// checkpoint are written in one transaction; the checkpoint update is a
// compare-and-swap on the previous seq and hash. A payload already stored in
// the chain is refused before the checkpoint is compared.
type PostgresStore struct {
	DB auditDB
	// Locks, when set, lets one process at a time write a chain.
	Locks *ChainLock
}

func NewPostgresStore(db auditDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) LoadState(ctx context.Context, chainID string) (models.ChainState, bool, error) {
	state := models.ChainState{ChainID: chainID}
	err := s.DB.QueryRow(ctx, `
		SELECT segment_id, seq, last_hash FROM audit_chain_state WHERE chain_id=$1
	`, chainID).Scan(&state.SegmentID, &state.Seq, &state.LastHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ChainState{}, false, nil
	}
	if err != nil {
		return models.ChainState{}, false, err
	}
	return state, true, nil
}

func (s *PostgresStore) Append(ctx context.Context, prev models.ChainState, rec models.AuditRecord) error {
	fingerprint := auditchain.Fingerprint(rec.Payload)
	err := pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		var storedSeq int64
		err := tx.QueryRow(ctx, `
			SELECT seq FROM audit_records WHERE chain_id=$1 AND fingerprint=$2
		`, prev.ChainID, fingerprint).Scan(&storedSeq)
		switch {
		case err == nil:
			return fmt.Errorf("%w: stored at seq %d", auditchain.ErrDuplicate, storedSeq)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check fingerprint: %w", err)
		}

		var tag pgconn.CommandTag
		if prev.Genesis() {
			tag, err = tx.Exec(ctx, `
				INSERT INTO audit_chain_state (chain_id, segment_id, seq, last_hash, updated_at)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (chain_id) DO NOTHING
			`, prev.ChainID, rec.SegmentID, rec.Seq, rec.Hash, rec.CreatedAt)
		} else {
			tag, err = tx.Exec(ctx, `
				UPDATE audit_chain_state SET seq=$1, last_hash=$2, updated_at=$3
				WHERE chain_id=$4 AND segment_id=$5 AND seq=$6 AND last_hash=$7
			`, rec.Seq, rec.Hash, rec.CreatedAt, prev.ChainID, prev.SegmentID, prev.Seq, prev.LastHash)
		}
		if err != nil {
			return fmt.Errorf("advance chain state: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: chain %s moved past seq %d", auditchain.ErrChainConflict, prev.ChainID, prev.Seq)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO audit_records
			(chain_id, segment_id, seq, correlation_id, prev_hash, hash, payload, lag_ms, created_at, fingerprint)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, prev.ChainID, rec.SegmentID, rec.Seq, rec.CorrelationID, rec.PrevHash, rec.Hash, string(rec.Payload), rec.LagMs, rec.CreatedAt, fingerprint)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				if pgErr.ConstraintName == fingerprintIndex {
					return fmt.Errorf("%w: payload stored concurrently", auditchain.ErrDuplicate)
				}
				return fmt.Errorf("%w: seq %d already stored", auditchain.ErrChainConflict, rec.Seq)
			}
			return fmt.Errorf("insert audit record: %w", err)
		}
		return nil
	})
	return err
}

// LockChain blocks until this process is the only writer of chainID. Without
// Locks it returns at once.
func (s *PostgresStore) LockChain(ctx context.Context, chainID string) (func(), error) {
	if s.Locks == nil {
		return func() {}, nil
	}
	return s.Locks.Acquire(ctx, chainID)
}

// Records lists a chain in insertion order. An empty segmentID lists every segment.
func (s *PostgresStore) Records(ctx context.Context, chainID, segmentID string) ([]models.AuditRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT correlation_id, hash, lag_ms, seq, segment_id, prev_hash, payload, created_at
		FROM audit_records
		WHERE chain_id=$1 AND ($2 = '' OR segment_id=$2)
		ORDER BY id
	`, chainID, segmentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanRecord)
}

// ByCorrelationID returns the records written for one evaluation request.
func (s *PostgresStore) ByCorrelationID(ctx context.Context, chainID, correlationID string) ([]models.AuditRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT correlation_id, hash, lag_ms, seq, segment_id, prev_hash, payload, created_at
		FROM audit_records WHERE chain_id=$1 AND correlation_id=$2 ORDER BY id
	`, chainID, correlationID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanRecord)
}

func scanRecord(row pgx.CollectableRow) (models.AuditRecord, error) {
	var rec models.AuditRecord
	var payload string
	err := row.Scan(&rec.CorrelationID, &rec.Hash, &rec.LagMs, &rec.Seq, &rec.SegmentID, &rec.PrevHash, &payload, &rec.CreatedAt)
	rec.Payload = []byte(payload)
	return rec, err
}
