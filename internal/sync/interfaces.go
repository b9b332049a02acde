package sync

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"github.com/wesm/github-mirror/internal/models"
)

// Mirrorer produces or updates a bare git mirror of cloneURL at dest
type Mirrorer interface {
	Mirror(ctx context.Context, cloneURL, dest string) error
}

// Journal records sync runs for auditing. It is never consulted to decide
// what to fetch.
type Journal interface {
	LastRun(ctx context.Context, repository string) (*models.SyncRun, error)
	BeginRun(ctx context.Context, repository string) (*models.SyncRun, error)
	FinishRun(ctx context.Context, run *models.SyncRun) error
}
