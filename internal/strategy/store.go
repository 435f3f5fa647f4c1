package strategy

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("strategy not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusConflict is returned when a conditional update finds the
	// strategy in a different status than expected.
	ErrStatusConflict = errors.New("strategy status changed concurrently")
)

// Store persists strategies. Every status change is a compare-and-set on
// (id, expected status) so concurrent writers cannot both win.
type Store interface {
	Create(ctx context.Context, s *Strategy) error
	GetByID(ctx context.Context, id string) (Strategy, error)
	GetPending(ctx context.Context) ([]Strategy, error)
	ListByStatus(ctx context.Context, status Status) ([]Strategy, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error)
	// MarkSubmitted records the signed transaction hash of a SUBMITTED strategy.
	MarkSubmitted(ctx context.Context, id, txHash string) error
	// RecordFailure moves a SUBMITTED strategy back to PENDING with its
	// attempt count incremented, or to FAILED once maxAttempts is reached.
	// maxAttempts <= 0 means unbounded.
	RecordFailure(ctx context.Context, id, reason string, maxAttempts int) (Status, error)
	Close() error
}

