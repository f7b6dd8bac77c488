// Package sink persists completed search results: one CSV file per task,
// plus optional archive targets that receive every completed batch.
package sink

import (
	"context"

	"github.com/placescout/backend/internal/domain"
)

// Batch is one completed task's output handed to archive sinks
type Batch struct {
	TaskID   string
	Query    string
	Listings []domain.Listing
}

// Archive receives completed batches. Delivery is best effort: errors are
// logged by the caller and never fail the task.
type Archive interface {
	Name() string
	Append(ctx context.Context, batch Batch) error
}
