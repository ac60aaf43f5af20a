package auditchain

import (
	"errors"
	"fmt"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
)

// ErrTampered is wrapped by every VerifyError.
var ErrTampered = errors.New("audit chain verification failed")

// VerifyError points at the first record that does not verify.
type VerifyError struct {
	Index  int
	Seq    int64
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("audit chain broken at index %d (seq %d): %s", e.Index, e.Seq, e.Reason)
}

func (e *VerifyError) Unwrap() error { return ErrTampered }

// Verify recomputes one segment from genesis. records must be in seq order.
func Verify(records []models.AuditRecord) error {
	prev := ""
	for i, rec := range records {
		if i > 0 && rec.SegmentID != records[0].SegmentID {
			return &VerifyError{Index: i, Seq: rec.Seq, Reason: "segment changed mid-chain"}
		}
		if rec.Seq != int64(i+1) {
			return &VerifyError{Index: i, Seq: rec.Seq, Reason: fmt.Sprintf("expected seq %d", i+1)}
		}
		if rec.PrevHash != prev {
			return &VerifyError{Index: i, Seq: rec.Seq, Reason: "prev hash does not link to predecessor"}
		}
		canonical, err := models.CanonicalJSON(rec.Payload)
		if err != nil {
			return &VerifyError{Index: i, Seq: rec.Seq, Reason: "payload is not valid JSON"}
		}
		if got := Hash(prev, canonical); got != rec.Hash {
			return &VerifyError{Index: i, Seq: rec.Seq, Reason: "hash mismatch"}
		}
		prev = rec.Hash
	}
	return nil
}

// Segments groups records by segment, keeping first-seen order.
func Segments(records []models.AuditRecord) [][]models.AuditRecord {
	var order []string
	bySegment := map[string][]models.AuditRecord{}
	for _, rec := range records {
		if _, ok := bySegment[rec.SegmentID]; !ok {
			order = append(order, rec.SegmentID)
		}
		bySegment[rec.SegmentID] = append(bySegment[rec.SegmentID], rec)
	}
	out := make([][]models.AuditRecord, 0, len(order))
	for _, id := range order {
		out = append(out, bySegment[id])
	}
	return out
}
