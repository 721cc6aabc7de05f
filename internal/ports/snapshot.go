package ports

import (
	"context"

	"signalPilot/internal/domain"
)

// SnapshotStore persists point-in-time copies of the registry and the ledger
// tail for crash recovery. It is never called on the per-action hot path.
type SnapshotStore interface {
	// SavePositions replaces the stored set of live positions.
	SavePositions(ctx context.Context, snapshots []domain.PositionSnapshot) error
	// LoadPositions returns the last saved set of live positions.
	LoadPositions(ctx context.Context) ([]domain.PositionSnapshot, error)
	// AppendExecutions stores ledger records. Records with a known Seq are ignored.
	AppendExecutions(ctx context.Context, records []domain.ExecutionRecord) error
	// RecentExecutions returns up to limit records, newest first.
	RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error)
	// LastExecutionSeq returns the highest stored sequence number (0 if none).
	LastExecutionSeq(ctx context.Context) (int64, error)
}
