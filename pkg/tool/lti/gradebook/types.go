// pkg/tool/lti/gradebook/types.go
package gradebook

import (
	"context"
	"errors"
	"time"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

type Clock func() time.Time

type Status string

const (
	StatusPending Status = "pending"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

var ErrNotFound = errors.New("gradebook: submission not found")

// Submission is a grade queued for a platform gradebook. It carries enough
// of the launch (issuer, client and the AGS claim) to be published again
// after the launch itself has expired.
type Submission struct {
	ID             string
	Issuer         string
	ClientID       string
	DeploymentID   string
	ContextID      string
	ResourceLinkID string
	AGS            lti.AGSClaim
	// LineItem is nil when the launch lineitem (or the default one) is the target.
	LineItem *lti.LineItemFields

	UserID           string
	ScoreGiven       *float64
	ScoreMaximum     float64
	Comment          string
	ActivityProgress string
	GradingProgress  string
	Timestamp        time.Time

	Status    Status
	Retries   int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists submissions and their sync state. sqlstore.Store is the
// database implementation.
type Store interface {
	SaveSubmission(ctx context.Context, s Submission) error
	GetSubmission(ctx context.Context, id string) (Submission, error)
	// ListSubmissions returns submissions in status (all when empty), oldest first.
	ListSubmissions(ctx context.Context, status Status, limit int) ([]Submission, error)
	// DueSubmissions returns the submissions worth another publish: failed
	// ones with fewer than maxRetries attempts and pending ones not touched
	// since staleBefore. Least recently updated first.
	DueSubmissions(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]Submission, error)

	MarkSyncPending(ctx context.Context, id string) error
	MarkSyncOK(ctx context.Context, id string) error
	MarkSyncFailed(ctx context.Context, id, lastErr string) error
}
