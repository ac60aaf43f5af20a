package auditchain

import (
	"context"
	"fmt"
	"sync"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

// MemoryStore keeps records in process memory. A new process starts with no
// checkpoint, so every run opens a fresh segment.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]models.ChainState
	records map[string][]models.AuditRecord
	// fingerprints maps chain id to payload fingerprint to seq.
	fingerprints map[string]map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:       map[string]models.ChainState{},
		records:      map[string][]models.AuditRecord{},
		fingerprints: map[string]map[string]int64{},
	}
}

func (m *MemoryStore) LoadState(_ context.Context, chainID string) (models.ChainState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[chainID]
	return state, ok, nil
}

func (m *MemoryStore) Append(ctx context.Context, prev models.ChainState, rec models.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := Fingerprint(rec.Payload)
	if seq, ok := m.fingerprints[prev.ChainID][fp]; ok {
		return fmt.Errorf("%w: stored at seq %d", ErrDuplicate, seq)
	}
	cur, ok := m.states[prev.ChainID]
	if !ok {
		cur = models.ChainState{ChainID: prev.ChainID, SegmentID: prev.SegmentID}
	}
	if cur.SegmentID != prev.SegmentID || cur.Seq != prev.Seq || cur.LastHash != prev.LastHash {
		return fmt.Errorf("%w: chain %s at seq %d, writer expected %d", ErrChainConflict, prev.ChainID, cur.Seq, prev.Seq)
	}
	m.records[prev.ChainID] = append(m.records[prev.ChainID], rec)
	if m.fingerprints[prev.ChainID] == nil {
		m.fingerprints[prev.ChainID] = map[string]int64{}
	}
	m.fingerprints[prev.ChainID][fp] = rec.Seq
	m.states[prev.ChainID] = models.ChainState{
		ChainID:   prev.ChainID,
		SegmentID: rec.SegmentID,
		Seq:       rec.Seq,
		LastHash:  rec.Hash,
	}
	return nil
}

// Records returns the stored records of chainID in append order.
func (m *MemoryStore) Records(_ context.Context, chainID string) ([]models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditRecord(nil), m.records[chainID]...), nil
}

func (m *MemoryStore) ByCorrelationID(_ context.Context, chainID, correlationID string) ([]models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditRecord
	for _, rec := range m.records[chainID] {
		if rec.CorrelationID == correlationID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Tamper replaces the payload of record i; tests use it to simulate edits.
func (m *MemoryStore) Tamper(chainID string, i int, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= 0 && i < len(m.records[chainID]) {
		m.records[chainID][i].Payload = payload
	}
}
