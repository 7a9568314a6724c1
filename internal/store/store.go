package store

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealbrief/internal/model"
)

// ErrNotFound is returned when no deal exists for the given id.
var ErrNotFound = eris.New("deal not found")

// DuplicateError is returned by CreateDeal when a deal with the same content
// hash already exists. It is a normal outcome of the uniqueness invariant,
// not a failure; it carries the existing deal's id for the caller.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate deal: existing id %s", e.ExistingID)
}

// Store defines the persistence interface for the intake pipeline.
// CreateDeal must be atomic with respect to the content_hash uniqueness
// invariant: of N concurrent identical submissions, exactly one creates.
type Store interface {
	// CreateDeal inserts a new deal in pending status, or returns
	// *DuplicateError referencing the existing deal for the hash.
	CreateDeal(ctx context.Context, rawText, contentHash string) (*model.Deal, error)

	// GetDeal returns the deal by id, or ErrNotFound.
	GetDeal(ctx context.Context, id string) (*model.Deal, error)

	// UpdateStatus moves the deal to status, recording lastError when the
	// status is failed. Returns ErrNotFound for unknown ids.
	UpdateStatus(ctx context.Context, id string, status model.DealStatus, lastError *string) error

	// SetExtracted atomically writes the extracted payload and moves the
	// deal to completed.
	SetExtracted(ctx context.Context, id string, extracted *model.ExtractedDeal) error

	// ListDeals returns up to limit deal summaries, newest first.
	ListDeals(ctx context.Context, limit int) ([]model.DealSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
