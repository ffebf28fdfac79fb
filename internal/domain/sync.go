package domain

import "fmt"

// SyncStatus is the push state of a locally persisted record.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)

// ParseSyncStatus converts a stored status string into a SyncStatus.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch SyncStatus(s) {
	case SyncStatusSynced, SyncStatusPending, SyncStatusFailed:
		return SyncStatus(s), nil
	default:
		return "", fmt.Errorf("unknown sync status %q: %w", s, ErrValidationFailure)
	}
}

// SyncMeta is the dirty-tracking state embedded in every mail and label
// record. Mutate it only through its methods so that NeedsSync never
// coexists with SyncStatusSynced.
type SyncMeta struct {
	NeedsSync bool
	Status    SyncStatus
	// Attempts counts failed pushes since the last local mutation.
	Attempts int
	// Revision counts local mutations. It only grows, so a push can tell
	// whether the record changed after its snapshot was taken even when
	// the clock did not move.
	Revision int64
}

// Synced returns the state of a record that matches the server.
func Synced() SyncMeta {
	return SyncMeta{Status: SyncStatusSynced}
}

// MarkDirty flags a local mutation that has not reached the server yet.
// A new mutation restarts the retry budget.
func (m *SyncMeta) MarkDirty() {
	m.Revision++
	m.NeedsSync = true
	m.Status = SyncStatusPending
	m.Attempts = 0
}

// MarkSynced records that the server confirmed the record. Revision is
// kept.
func (m *SyncMeta) MarkSynced() {
	m.NeedsSync = false
	m.Status = SyncStatusSynced
	m.Attempts = 0
}

// RecordFailure counts a failed push. The record stays pending until the
// budget is exhausted, then becomes failed. It keeps NeedsSync either way.
func (m *SyncMeta) RecordFailure(budget int) {
	m.NeedsSync = true
	m.Attempts++
	if budget > 0 && m.Attempts >= budget {
		m.Status = SyncStatusFailed
		return
	}
	m.Status = SyncStatusPending
}

// ChangedSince reports whether a local mutation happened after snap was
// taken.
func (m SyncMeta) ChangedSince(snap SyncMeta) bool {
	return m.Revision != snap.Revision
}

// Retry moves a failed record back to pending with a fresh budget.
func (m *SyncMeta) Retry() {
	if m.Status != SyncStatusFailed {
		return
	}
	m.MarkDirty()
}

// Validate checks the dirty invariant.
func (m SyncMeta) Validate() error {
	if _, err := ParseSyncStatus(string(m.Status)); err != nil {
		return err
	}
	if m.NeedsSync && m.Status == SyncStatusSynced {
		return fmt.Errorf("record needs sync but is marked synced: %w", ErrValidationFailure)
	}
	return nil
}
