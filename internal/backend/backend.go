// Package backend declares the contracts between a client session and the
// authoritative store. The sqlite, postgres and remote packages implement
// them; the server package exposes any implementation over HTTP.
package backend

import (
	"context"

	"github.com/ldi/claimdeck/pkg/models"
)

type QueryService interface {
	// FetchPreview returns up to perType tasks per type in preview order.
	FetchPreview(ctx context.Context, perType int) ([]models.Task, error)
	FetchCounts(ctx context.Context) ([]models.TypeCount, error)
	// FetchByType returns every task of the given type, paging internally.
	FetchByType(ctx context.Context, taskType string) ([]models.Task, error)
	Search(ctx context.Context, query string, max int) ([]models.Task, error)
	// FetchTask returns ErrTaskNotFound when id is unknown.
	FetchTask(ctx context.Context, id string) (*models.Task, error)
}

type LedgerService interface {
	FetchClaims(ctx context.Context, userID string) ([]models.Claim, error)
}

type MutationService interface {
	InsertClaim(ctx context.Context, userID, taskID string) (*models.Claim, error)
	DeleteClaim(ctx context.Context, userID, taskID string) error
	UpdateClaimStatus(ctx context.Context, userID, taskID string, status models.ClaimStatus, field models.TimestampField) (*models.Claim, error)
}

// ChangeFeed delivers claim insert and delete events. The returned channel
// is closed when the subscription ends for any reason; the cancel func is
// safe to call more than once.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan models.ChangeEvent, func(), error)
}

// Backend is the full authoritative surface.
type Backend interface {
	QueryService
	LedgerService
	MutationService
	ChangeFeed
	Close() error
}
