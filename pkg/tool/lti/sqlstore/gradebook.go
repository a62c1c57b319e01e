package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/gradebook"
)

// Store also keeps the grade outbox (gradebook.Store).
var _ gradebook.Store = (*Store)(nil)

const submissionColumns = `id, issuer, client_id, deployment_id, context_id, resource_link_id, ags_json, lineitem_json,
	user_id, score_given, score_maximum, comment, activity_progress, grading_progress, graded_at,
	status, retries, last_error, created_at, updated_at`

func (s *Store) SaveSubmission(ctx context.Context, sub gradebook.Submission) error {
	ags, err := json.Marshal(sub.AGS)
	if err != nil {
		return err
	}
	var li string
	if sub.LineItem != nil {
		b, err := json.Marshal(sub.LineItem)
		if err != nil {
			return err
		}
		li = string(b)
	}
	var score sql.NullFloat64
	if sub.ScoreGiven != nil {
		score = sql.NullFloat64{Float64: *sub.ScoreGiven, Valid: true}
	}
	if sub.Status == "" {
		sub.Status = gradebook.StatusPending
	}
	now := s.now().UnixMilli()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO lti_grade_submissions (`+submissionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,'',$18,$18)`,
		sub.ID, sub.Issuer, sub.ClientID, sub.DeploymentID, sub.ContextID, sub.ResourceLinkID, string(ags), li,
		sub.UserID, score, sub.ScoreMaximum, sub.Comment, sub.ActivityProgress, sub.GradingProgress, sub.Timestamp.UnixMilli(),
		string(sub.Status), sub.Retries, now)
	return err
}

func scanSubmission(r rowScanner) (gradebook.Submission, error) {
	var (
		sub                    gradebook.Submission
		ags, li, status        string
		score                  sql.NullFloat64
		gradedAt, created, upd int64
	)
	if err := r.Scan(&sub.ID, &sub.Issuer, &sub.ClientID, &sub.DeploymentID, &sub.ContextID, &sub.ResourceLinkID, &ags, &li,
		&sub.UserID, &score, &sub.ScoreMaximum, &sub.Comment, &sub.ActivityProgress, &sub.GradingProgress, &gradedAt,
		&status, &sub.Retries, &sub.LastError, &created, &upd); err != nil {
		return sub, err
	}
	if err := json.Unmarshal([]byte(ags), &sub.AGS); err != nil {
		return sub, fmt.Errorf("submission %s: ags claim: %w", sub.ID, err)
	}
	if li != "" {
		sub.LineItem = &lti.LineItemFields{}
		if err := json.Unmarshal([]byte(li), sub.LineItem); err != nil {
			return sub, fmt.Errorf("submission %s: lineitem: %w", sub.ID, err)
		}
	}
	if score.Valid {
		v := score.Float64
		sub.ScoreGiven = &v
	}
	sub.Status = gradebook.Status(status)
	sub.Timestamp = time.UnixMilli(gradedAt).UTC()
	sub.CreatedAt, sub.UpdatedAt = time.UnixMilli(created).UTC(), time.UnixMilli(upd).UTC()
	return sub, nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (gradebook.Submission, error) {
	sub, err := scanSubmission(s.DB.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM lti_grade_submissions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sub, fmt.Errorf("%w: %s", gradebook.ErrNotFound, id)
	}
	return sub, err
}

func (s *Store) ListSubmissions(ctx context.Context, status gradebook.Status, limit int) ([]gradebook.Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + submissionColumns + ` FROM lti_grade_submissions`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1 ORDER BY created_at, id LIMIT $2`
		args = append(args, string(status), limit)
	} else {
		q += ` ORDER BY created_at, id LIMIT $1`
		args = append(args, limit)
	}
	return s.querySubmissions(ctx, q, args...)
}

func (s *Store) DueSubmissions(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]gradebook.Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySubmissions(ctx, `
		SELECT `+submissionColumns+` FROM lti_grade_submissions
		 WHERE (status='failed' AND retries < $1)
		    OR (status='pending' AND updated_at < $2)
		 ORDER BY updated_at, id
		 LIMIT $3`, maxRetries, staleBefore.UnixMilli(), limit)
}

func (s *Store) querySubmissions(ctx context.Context, q string, args ...any) ([]gradebook.Submission, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gradebook.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) mark(ctx context.Context, q, id string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, q, append([]any{id, s.now().UnixMilli()}, args...)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", gradebook.ErrNotFound, id)
	}
	return nil
}

func (s *Store) MarkSyncPending(ctx context.Context, id string) error {
	return s.mark(ctx, `UPDATE lti_grade_submissions SET status='pending', updated_at=$2 WHERE id=$1`, id)
}

func (s *Store) MarkSyncOK(ctx context.Context, id string) error {
	return s.mark(ctx, `UPDATE lti_grade_submissions SET status='ok', last_error='', updated_at=$2 WHERE id=$1`, id)
}

func (s *Store) MarkSyncFailed(ctx context.Context, id, lastErr string) error {
	return s.mark(ctx, `
		UPDATE lti_grade_submissions
		   SET status='failed', retries=retries+1, last_error=$3, updated_at=$2
		 WHERE id=$1`, id, lastErr)
}
