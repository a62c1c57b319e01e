// pkg/tool/lti/gradebook/syncer.go
package gradebook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

const (
	defaultMaxRetries     = 5
	defaultPendingTimeout = 5 * time.Minute
	retryBatch            = 100
)

// Syncer publishes queued grades through the Assignment and Grade Services
// and keeps failed ones for retry.
type Syncer struct {
	Store    Store
	Registry lti.Registry
	// Connector hands out the service connector of a registration; pass
	// (*lti.Tool).Connector to share token caches with launches.
	Connector  func(*lti.Registration) *lti.ServiceConnector
	Now        Clock
	NewID      func() string
	MaxRetries int
	// PendingTimeout is how long a pending submission may sit before it is
	// taken as abandoned by a crashed publish and sent again.
	PendingTimeout time.Duration
	Log            *zap.SugaredLogger
}

func New(store Store, tool *lti.Tool, log *zap.SugaredLogger) *Syncer {
	return &Syncer{Store: store, Registry: tool.Registry, Connector: tool.Connector, Log: log}
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Syncer) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *Syncer) maxRetries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return defaultMaxRetries
}

func (s *Syncer) pendingTimeout() time.Duration {
	if s.PendingTimeout > 0 {
		return s.PendingTimeout
	}
	return defaultPendingTimeout
}

// Submit queues grade for the launch m and publishes it right away. The
// returned submission reflects the outcome; a failed publish is kept for
// RetryFailed and its error is returned as well.
func (s *Syncer) Submit(ctx context.Context, m *lti.MessageLaunch, grade *lti.Grade, li *lti.LineItem) (Submission, error) {
	if _, err := m.AGS(); err != nil {
		return Submission{}, err
	}
	c := m.Context()
	sub := Submission{
		ID:               s.newID(),
		Issuer:           c.Issuer,
		ClientID:         c.ClientID(),
		DeploymentID:     c.DeploymentID,
		AGS:              *c.AGS,
		UserID:           grade.UserID(),
		ScoreMaximum:     grade.ScoreMaximum(),
		Comment:          grade.Comment(),
		ActivityProgress: grade.ActivityProgress(),
		GradingProgress:  grade.GradingProgress(),
		Timestamp:        grade.Timestamp(),
		Status:           StatusPending,
		CreatedAt:        s.now(),
	}
	sub.UpdatedAt = sub.CreatedAt
	if c.Context != nil {
		sub.ContextID = c.Context.ID
	}
	if c.ResourceLink != nil {
		sub.ResourceLinkID = c.ResourceLink.ID
	}
	if v, ok := grade.ScoreGiven(); ok {
		sub.ScoreGiven = &v
	}
	if li != nil {
		f := li.Fields()
		sub.LineItem = &f
	}
	if err := s.Store.SaveSubmission(ctx, sub); err != nil {
		return Submission{}, fmt.Errorf("queue grade: %w", err)
	}
	syncErr := s.Sync(ctx, sub.ID)
	out, err := s.Store.GetSubmission(ctx, sub.ID)
	if err != nil {
		return sub, err
	}
	return out, syncErr
}

func (s *Syncer) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// Sync publishes one submission. Already published submissions are left alone.
func (s *Syncer) Sync(ctx context.Context, id string) error {
	sub, err := s.Store.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == StatusOK {
		return nil
	}
	if err := s.Store.MarkSyncPending(ctx, id); err != nil {
		return fmt.Errorf("grade %s: mark pending: %w", id, err)
	}

	if err := s.publish(ctx, sub); err != nil {
		if markErr := s.Store.MarkSyncFailed(ctx, id, err.Error()); markErr != nil {
			s.log().Warnw("grade sync state", "id", id, "err", markErr)
		}
		s.log().Warnw("grade sync failed", "id", id, "iss", sub.Issuer, "user_id", sub.UserID, "retries", sub.Retries, "err", err)
		return err
	}
	return s.Store.MarkSyncOK(ctx, id)
}

func (s *Syncer) publish(ctx context.Context, sub Submission) error {
	reg, err := s.Registry.FindRegistrationByClient(ctx, sub.Issuer, sub.ClientID)
	if err != nil {
		return err
	}
	grade, err := lti.NewGrade(lti.GradeFields{
		UserID:           sub.UserID,
		ScoreGiven:       sub.ScoreGiven,
		ScoreMaximum:     sub.ScoreMaximum,
		Comment:          sub.Comment,
		ActivityProgress: sub.ActivityProgress,
		GradingProgress:  sub.GradingProgress,
		Timestamp:        sub.Timestamp,
	})
	if err != nil {
		return err
	}
	var li *lti.LineItem
	if sub.LineItem != nil {
		if li, err = lti.NewLineItem(*sub.LineItem); err != nil {
			return err
		}
	}
	ags := lti.NewAssignmentsGradesService(s.Connector(reg), sub.AGS)
	_, err = ags.PutGrade(ctx, grade, li)
	return err
}

// RetryFailed re-publishes failed submissions that have retries left, and
// pending ones older than PendingTimeout, and reports how many went through.
// Submissions out of retries stay failed until resynced by hand.
func (s *Syncer) RetryFailed(ctx context.Context) (int, error) {
	due, err := s.Store.DueSubmissions(ctx, s.maxRetries(), s.now().Add(-s.pendingTimeout()), retryBatch)
	if err != nil {
		return 0, err
	}
	ok := 0
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		if s.Sync(ctx, sub.ID) == nil {
			ok++
		}
	}
	return ok, nil
}

// Run calls RetryFailed every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.RetryFailed(ctx)
			if err != nil && ctx.Err() == nil {
				s.log().Warnw("grade retry", "err", err)
			}
			if n > 0 {
				s.log().Infow("grades resynced", "count", n)
			}
		}
	}
}
