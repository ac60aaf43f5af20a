package auditchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

var (
	// ErrChainConflict means the persisted chain moved without this writer.
	// The consumer stops rather than fork the chain.
	ErrChainConflict = errors.New("audit chain conflict")
	// ErrDecode marks a stream message that is not a decision event.
	ErrDecode = errors.New("undecodable decision event")
	// ErrDuplicate means the chain already holds a record with the same
	// payload fingerprint.
	ErrDuplicate = errors.New("decision event already recorded")
)

// Store persists records together with the chain checkpoint.
type Store interface {
	// LoadState returns the checkpoint of chainID, false when none exists.
	LoadState(ctx context.Context, chainID string) (models.ChainState, bool, error)
	// Append stores rec and advances the checkpoint from prev to rec in one
	// step. It returns ErrDuplicate when the chain already holds a record with
	// the fingerprint of rec.Payload, checked before the checkpoint, and
	// ErrChainConflict when the stored checkpoint is not prev.
	Append(ctx context.Context, prev models.ChainState, rec models.AuditRecord) error
}

// Hash links a canonical payload to its predecessor: hex(SHA256(prev || payload)).
// The genesis predecessor is "".
func Hash(prevHash string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint identifies a payload independently of chain position.
func Fingerprint(canonicalPayload []byte) string {
	sum := sha256.Sum256(canonicalPayload)
	return hex.EncodeToString(sum[:])
}

// Lag is the delay between event creation and ingestion, never negative.
func Lag(now, eventTime time.Time) int64 {
	if eventTime.IsZero() {
		return 0
	}
	lag := now.Sub(eventTime).Milliseconds()
	if lag < 0 {
		return 0
	}
	return lag
}

// Chain owns the state of one audit chain. Append is serialized: hashing,
// persistence and the state advance happen under one lock.
type Chain struct {
	mu    sync.Mutex
	store Store
	state models.ChainState
	now   func() time.Time
}

// Open resumes chainID from its persisted checkpoint, or starts a new segment
// at genesis when there is none.
func Open(ctx context.Context, store Store, chainID string) (*Chain, error) {
	if store == nil {
		return nil, errors.New("auditchain: store required")
	}
	if chainID == "" {
		chainID = "default"
	}
	state, ok, err := store.LoadState(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("load chain state %s: %w", chainID, err)
	}
	if !ok {
		state = models.ChainState{ChainID: chainID, SegmentID: uuid.NewString()}
	}
	state.ChainID = chainID
	return &Chain{store: store, state: state, now: time.Now}, nil
}

// State returns a copy of the current checkpoint.
func (c *Chain) State() models.ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Append links payload to the chain. In-memory state advances only after the
// store accepted the record, so a failed Append can be retried as is. On
// ErrDuplicate the state is reloaded from the store, since an earlier attempt
// may have been stored without this writer hearing back.
func (c *Chain) Append(ctx context.Context, payload []byte, correlationID string, eventTime time.Time) (models.AuditRecord, error) {
	canonical, err := models.CanonicalJSON(payload)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	prev := c.state
	rec := models.AuditRecord{
		CorrelationID: correlationID,
		Hash:          Hash(prev.LastHash, canonical),
		LagMs:         Lag(now, eventTime),
		Seq:           prev.Seq + 1,
		SegmentID:     prev.SegmentID,
		PrevHash:      prev.LastHash,
		Payload:       canonical,
		CreatedAt:     now,
	}
	if err := c.store.Append(ctx, prev, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			if rerr := c.reload(ctx); rerr != nil {
				return models.AuditRecord{}, rerr
			}
		}
		return models.AuditRecord{}, err
	}
	c.state.Seq = rec.Seq
	c.state.LastHash = rec.Hash
	return rec, nil
}

func (c *Chain) reload(ctx context.Context) error {
	state, ok, err := c.store.LoadState(ctx, c.state.ChainID)
	if err != nil {
		return fmt.Errorf("reload chain state %s: %w", c.state.ChainID, err)
	}
	if ok {
		c.state = state
	}
	return nil
}
