package domain

import "time"

// VerificationRecord is the append-only outcome of comparing tracked slot state
// against the remote platform for one job and kind. Kept for audit; the
// discrepancy list names the slot numbers whose resources were missing.
type VerificationRecord struct {
	RecordID     string
	JobID        string
	Kind         string
	Expected     int
	TrackedCount int
	RemoteCount  int
	Discrepant   []int
	CreatedAt    time.Time
}

// Matched reports whether tracked and remote state agreed with the request.
func (v *VerificationRecord) Matched() bool {
	return len(v.Discrepant) == 0 && v.TrackedCount == v.Expected && v.RemoteCount == v.Expected
}
