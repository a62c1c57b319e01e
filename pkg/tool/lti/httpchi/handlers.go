package httpchi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

// LaunchFunc is called with a validated launch and owns the response.
type LaunchFunc func(w http.ResponseWriter, r *http.Request, m *lti.MessageLaunch)

// API mounts the protocol endpoints of a tool:
//
//	GET|POST /lti/login              third-party initiated login
//	POST     /lti/launch             id_token form post
//	GET      /.well-known/jwks.json  tool public keys
type API struct {
	Tool *lti.Tool
	// Login is the template for every login; LaunchURL must be absolute.
	Login lti.LoginOptions
	// OnLaunch renders the app. Defaults to a JSON summary of the launch.
	OnLaunch LaunchFunc
	// Registrations feeds the tool JWKS.
	Registrations func(ctx context.Context) ([]*lti.Registration, error)
	Log           *zap.SugaredLogger
}

func (a *API) Routes(r chi.Router) {
	r.Get("/lti/login", a.login)
	r.Post("/lti/login", a.login)
	r.Post("/lti/launch", a.launch)
	r.Get("/.well-known/jwks.json", a.jwks)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	red, err := a.Tool.InitiateLogin(r.Context(), NewRequest(r), CookiesFor(w, r), a.Login)
	if err != nil {
		WriteLaunchFailed(w, a.Log, err)
		return
	}
	switch {
	case red.Page != "":
		writeHTML(w, red.Page)
	case red.JS:
		writeHTML(w, red.HTML())
	default:
		http.Redirect(w, r, red.URL, http.StatusFound)
	}
}

func (a *API) launch(w http.ResponseWriter, r *http.Request) {
	m, err := a.Tool.NewMessageLaunch(NewRequest(r))
	if err != nil {
		WriteLaunchFailed(w, a.Log, err)
		return
	}
	if err := m.Validate(r.Context()); err != nil {
		WriteLaunchFailed(w, a.Log, err)
		return
	}
	if a.OnLaunch != nil {
		a.OnLaunch(w, r, m)
		return
	}
	WriteLaunchSummary(w, m)
}

func (a *API) jwks(w http.ResponseWriter, r *http.Request) {
	var regs []*lti.Registration
	if a.Registrations != nil {
		var err error
		if regs, err = a.Registrations(r.Context()); err != nil {
			WriteError(w, a.Log, err)
			return
		}
	}
	set, err := lti.ToolJWKS(regs...)
	if err != nil {
		WriteError(w, a.Log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(set)
}

// FromCache restores the launch named by launchID for this request.
func (a *API) FromCache(r *http.Request, launchID string) (*lti.MessageLaunch, error) {
	return a.Tool.LaunchFromCache(r.Context(), NewRequest(r), launchID)
}

// LaunchSummary is the default launch response body.
type LaunchSummary struct {
	LaunchID     string `json:"launch_id"`
	MessageType  string `json:"message_type"`
	Issuer       string `json:"iss"`
	Subject      string `json:"sub"`
	DeploymentID string `json:"deployment_id"`
	ContextID    string `json:"context_id,omitempty"`
	ResourceLink string `json:"resource_link_id,omitempty"`
	Teacher      bool   `json:"teacher"`
	Student      bool   `json:"student"`
	HasAGS       bool   `json:"ags"`
	HasNRPS      bool   `json:"nrps"`
	HasCGS       bool   `json:"groups"`
}

func Summarize(m *lti.MessageLaunch) LaunchSummary {
	c := m.Context()
	s := LaunchSummary{
		LaunchID:     m.LaunchID(),
		MessageType:  c.MessageType,
		Issuer:       c.Issuer,
		Subject:      c.Subject,
		DeploymentID: c.DeploymentID,
		Teacher:      m.CheckTeacherAccess(),
		Student:      m.CheckStudentAccess(),
		HasAGS:       m.HasAGS(),
		HasNRPS:      m.HasNRPS(),
		HasCGS:       m.HasCGS(),
	}
	if c.Context != nil {
		s.ContextID = c.Context.ID
	}
	if c.ResourceLink != nil {
		s.ResourceLink = c.ResourceLink.ID
	}
	return s
}

func WriteLaunchSummary(w http.ResponseWriter, m *lti.MessageLaunch) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Summarize(m))
}

func writeHTML(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(page))
}
