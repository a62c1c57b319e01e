package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/gradebook"
)

// GradeOutbox is what the admin API needs from the grade outbox.
type GradeOutbox interface {
	ListSubmissions(ctx context.Context, status gradebook.Status, limit int) ([]gradebook.Submission, error)
	Resync(ctx context.Context, id string) (gradebook.Submission, error)
}

// Outbox adapts a gradebook store and syncer to GradeOutbox.
type Outbox struct {
	Store  gradebook.Store
	Syncer *gradebook.Syncer
}

func (o Outbox) ListSubmissions(ctx context.Context, status gradebook.Status, limit int) ([]gradebook.Submission, error) {
	return o.Store.ListSubmissions(ctx, status, limit)
}

// Resync publishes id again and returns its new state. A failed publish is
// reported through the submission, not the error.
func (o Outbox) Resync(ctx context.Context, id string) (gradebook.Submission, error) {
	if _, err := o.Store.GetSubmission(ctx, id); err != nil {
		return gradebook.Submission{}, err
	}
	_ = o.Syncer.Sync(ctx, id)
	return o.Store.GetSubmission(ctx, id)
}

type submissionDoc struct {
	ID             string   `json:"id"`
	Issuer         string   `json:"issuer"`
	ClientID       string   `json:"client_id"`
	DeploymentID   string   `json:"deployment_id"`
	ContextID      string   `json:"context_id,omitempty"`
	ResourceLinkID string   `json:"resource_link_id,omitempty"`
	UserID         string   `json:"user_id"`
	ScoreGiven     *float64 `json:"score_given,omitempty"`
	ScoreMaximum   float64  `json:"score_maximum"`
	Status         string   `json:"status"`
	Retries        int      `json:"retries"`
	LastError      string   `json:"last_error,omitempty"`
	UpdatedAt      int64    `json:"updated_at"`
}

func docFromSubmission(s gradebook.Submission) submissionDoc {
	return submissionDoc{
		ID: s.ID, Issuer: s.Issuer, ClientID: s.ClientID, DeploymentID: s.DeploymentID,
		ContextID: s.ContextID, ResourceLinkID: s.ResourceLinkID, UserID: s.UserID,
		ScoreGiven: s.ScoreGiven, ScoreMaximum: s.ScoreMaximum, Status: string(s.Status),
		Retries: s.Retries, LastError: s.LastError, UpdatedAt: s.UpdatedAt.Unix(),
	}
}

// GET /admin/grades?status=failed&limit=50
func ListSubmissionsHandler(outbox GradeOutbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := gradebook.Status(r.URL.Query().Get("status"))
		switch status {
		case "", gradebook.StatusPending, gradebook.StatusOK, gradebook.StatusFailed:
		default:
			http.Error(w, "status must be pending, ok or failed", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		subs, err := outbox.ListSubmissions(r.Context(), status, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]submissionDoc, 0, len(subs))
		for _, s := range subs {
			out = append(out, docFromSubmission(s))
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// POST /admin/grades/{id}/resync
func ResyncHandler(outbox GradeOutbox, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sub, err := outbox.Resync(r.Context(), id)
		if err != nil {
			if errors.Is(err, gradebook.ErrNotFound) {
				http.Error(w, "submission not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if log != nil {
			log.Infow("grade resync", "id", id, "status", sub.Status)
		}
		respondJSON(w, http.StatusOK, docFromSubmission(sub))
	}
}
