package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	authmw "github.com/mind-engage/lti1p3-tool/internal/auth/middleware"
	"github.com/mind-engage/lti1p3-tool/internal/rbac"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/gradebook"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/httpchi"
)

// LaunchLoader restores a launch saved by the launch endpoint.
type LaunchLoader interface {
	FromCache(r *http.Request, launchID string) (*lti.MessageLaunch, error)
}

// GradeQueue publishes grades through an outbox that retries failures.
type GradeQueue interface {
	Submit(ctx context.Context, m *lti.MessageLaunch, grade *lti.Grade, li *lti.LineItem) (gradebook.Submission, error)
}

// App serves the tool pages and actions that run after a launch. Every
// route is keyed by the launch_id handed out on launch.
type App struct {
	Launches LaunchLoader
	// Grades is optional; without it grades go straight to the platform.
	Grades GradeQueue
	Log    *zap.SugaredLogger
}

func (a *App) Mount(r chi.Router) {
	r.Route("/app/{launchID}", func(ar chi.Router) {
		ar.Use(a.loadLaunch)
		ar.With(rbac.Require("launch:view")).Get("/", a.handleSummary)
		ar.With(rbac.Require("deeplink:create")).Post("/deeplink", a.handleDeepLink)
		ar.With(rbac.RequireAny("grade:submit-own", "grade:submit-any")).Post("/grade", a.handleGrade)
		ar.With(rbac.Require("roster:view")).Get("/members", a.handleMembers)
		ar.With(rbac.RequireAny("groups:view", "groups:view-own")).Get("/groups", a.handleGroups)
	})
}

type launchKey struct{}

func launchFrom(ctx context.Context) *lti.MessageLaunch {
	m, _ := ctx.Value(launchKey{}).(*lti.MessageLaunch)
	return m
}

func (a *App) loadLaunch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "launchID"))
		if id == "" {
			http.Error(w, "launchID required", http.StatusBadRequest)
			return
		}
		m, err := a.Launches.FromCache(r, id)
		if err != nil {
			httpchi.WriteError(w, a.Log, err)
			return
		}
		ctx := context.WithValue(r.Context(), launchKey{}, m)
		ctx = rbac.WithRole(ctx, rbac.RoleFromLaunch(m))
		ctx = authmw.WithPrincipal(ctx, authmw.Principal{Issuer: m.Context().Issuer, Subject: m.Context().Subject})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GET /app/{launchID}/
func (a *App) handleSummary(w http.ResponseWriter, r *http.Request) {
	httpchi.WriteLaunchSummary(w, launchFrom(r.Context()))
}

type deepLinkItem struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	URL      string            `json:"url"`
	Target   string            `json:"target"`
	Custom   map[string]string `json:"custom"`
	LineItem *struct {
		ScoreMaximum float64 `json:"score_maximum"`
		Label        string  `json:"label"`
		ResourceID   string  `json:"resource_id"`
		Tag          string  `json:"tag"`
	} `json:"line_item"`
}

// POST /app/{launchID}/deeplink
// Renders the auto-submit form back to the platform, or {jwt, return_url}
// when the caller asks for JSON.
func (a *App) handleDeepLink(w http.ResponseWriter, r *http.Request) {
	m := launchFrom(r.Context())
	var req struct {
		Resources []deepLinkItem `json:"resources"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	dl, err := m.DeepLink()
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	resources := make([]*lti.DeepLinkResource, 0, len(req.Resources))
	for _, it := range req.Resources {
		f := lti.DeepLinkResourceFields{
			Type: it.Type, Title: it.Title, Text: it.Text, URL: it.URL, Target: it.Target, Custom: it.Custom,
		}
		if it.LineItem != nil {
			f.LineItem = &lti.DeepLinkLineItem{
				ScoreMaximum: it.LineItem.ScoreMaximum,
				Label:        it.LineItem.Label,
				ResourceID:   it.LineItem.ResourceID,
				Tag:          it.LineItem.Tag,
			}
		}
		res, err := lti.NewDeepLinkResource(f)
		if err != nil {
			httpchi.WriteError(w, a.Log, err)
			return
		}
		resources = append(resources, res)
	}
	tok, err := dl.ResponseJWT(resources)
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		respondJSON(w, http.StatusOK, map[string]string{"jwt": tok, "return_url": dl.ReturnURL()})
		return
	}
	page, err := dl.ResponseForm(tok)
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}

type gradeReq struct {
	UserID           string   `json:"user_id"` // defaults to the launching user
	Score            *float64 `json:"score"`
	ScoreMaximum     float64  `json:"score_maximum"`
	Comment          string   `json:"comment"`
	ActivityProgress string   `json:"activity_progress"`
	GradingProgress  string   `json:"grading_progress"`
	LineItem         *struct {
		ID           string  `json:"id"`
		Label        string  `json:"label"`
		Tag          string  `json:"tag"`
		ResourceID   string  `json:"resource_id"`
		ScoreMaximum float64 `json:"score_maximum"`
	} `json:"line_item"`
}

// POST /app/{launchID}/grade
func (a *App) handleGrade(w http.ResponseWriter, r *http.Request) {
	m := launchFrom(r.Context())
	var req gradeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	sub := authmw.SubjectFromContext(r.Context())
	if req.UserID == "" {
		req.UserID = sub
	}
	if req.UserID != sub && !rbac.Can(r, "grade:submit-any") {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	grade, err := lti.NewGrade(lti.GradeFields{
		UserID:           req.UserID,
		ScoreGiven:       req.Score,
		ScoreMaximum:     req.ScoreMaximum,
		Comment:          req.Comment,
		ActivityProgress: req.ActivityProgress,
		GradingProgress:  req.GradingProgress,
	})
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	var li *lti.LineItem
	if req.LineItem != nil {
		scoreMax := req.LineItem.ScoreMaximum
		if scoreMax == 0 {
			scoreMax = req.ScoreMaximum
		}
		li, err = lti.NewLineItem(lti.LineItemFields{
			ID: req.LineItem.ID, Label: req.LineItem.Label, Tag: req.LineItem.Tag,
			ResourceID: req.LineItem.ResourceID, ScoreMaximum: scoreMax,
		})
		if err != nil {
			httpchi.WriteError(w, a.Log, err)
			return
		}
	}
	if a.Grades != nil {
		a.queueGrade(w, r, m, grade, li)
		return
	}
	ags, err := m.AGS()
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	resp, err := ags.PutGrade(r.Context(), grade, li)
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	if a.Log != nil {
		a.Log.Infow("grade published", "launch_id", m.LaunchID(), "user_id", req.UserID, "status", resp.Status)
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"user_id": req.UserID, "platform_status": resp.Status})
}

// queueGrade answers 202 once the grade is stored, whether or not the
// first publish attempt went through.
func (a *App) queueGrade(w http.ResponseWriter, r *http.Request, m *lti.MessageLaunch, grade *lti.Grade, li *lti.LineItem) {
	sub, err := a.Grades.Submit(r.Context(), m, grade, li)
	if err != nil && sub.ID == "" {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	if a.Log != nil {
		a.Log.Infow("grade queued", "launch_id", m.LaunchID(), "user_id", grade.UserID(), "submission_id", sub.ID, "status", sub.Status)
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"user_id":       grade.UserID(),
		"submission_id": sub.ID,
		"status":        sub.Status,
		"last_error":    sub.LastError,
	})
}

// GET /app/{launchID}/members?rlid=
func (a *App) handleMembers(w http.ResponseWriter, r *http.Request) {
	m := launchFrom(r.Context())
	nrps, err := m.NRPS()
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	members, err := nrps.GetMembers(r.Context(), r.URL.Query().Get("rlid"))
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"members": members})
}

// GET /app/{launchID}/groups[?sets=1&include_groups=1|?user_id=]
// Learners only ever see their own groups.
func (a *App) handleGroups(w http.ResponseWriter, r *http.Request) {
	m := launchFrom(r.Context())
	cgs, err := m.CourseGroups()
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	q := r.URL.Query()
	if !rbac.Can(r, "groups:view") {
		groups, err := cgs.GetGroups(r.Context(), authmw.SubjectFromContext(r.Context()))
		if err != nil {
			httpchi.WriteError(w, a.Log, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"groups": groups})
		return
	}
	if q.Get("sets") == "1" {
		sets, err := cgs.GetSets(r.Context(), q.Get("include_groups") == "1")
		if err != nil {
			httpchi.WriteError(w, a.Log, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"sets": sets})
		return
	}
	groups, err := cgs.GetGroups(r.Context(), q.Get("user_id"))
	if err != nil {
		httpchi.WriteError(w, a.Log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
