package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mind-engage/lti1p3-tool/internal/rbac"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

// RegistrationStore is the writable registry behind the admin API.
type RegistrationStore interface {
	List(ctx context.Context) ([]lti.ToolConfEntry, error)
	Upsert(ctx context.Context, e lti.ToolConfEntry) error
	Delete(ctx context.Context, issuer, clientID string) error
	AddDeployment(ctx context.Context, issuer, clientID, deploymentID string) error
}

// registrationDoc is the wire form of a registration. Private keys are
// accepted on write and never returned.
type registrationDoc struct {
	Issuer         string         `json:"issuer"`
	ClientID       string         `json:"client_id"`
	AddressingMode string         `json:"addressing_mode,omitempty"` // single|multi
	Default        bool           `json:"default,omitempty"`
	AuthLoginURL   string         `json:"auth_login_url"`
	AuthTokenURL   string         `json:"auth_token_url"`
	AuthAudience   string         `json:"auth_audience,omitempty"`
	KeySetURL      string         `json:"key_set_url,omitempty"`
	KeySet         map[string]any `json:"key_set,omitempty"`
	PrivateKeyPEM  string         `json:"private_key_pem,omitempty"`
	PublicKeyPEM   string         `json:"public_key_pem,omitempty"`
	DeploymentIDs  []string       `json:"deployment_ids"`
}

func docFromEntry(e lti.ToolConfEntry) registrationDoc {
	deps := e.DeploymentIDs
	if deps == nil {
		deps = []string{}
	}
	return registrationDoc{
		Issuer:         e.Issuer,
		ClientID:       e.ClientID,
		AddressingMode: modeName(e.Mode),
		Default:        e.Default,
		AuthLoginURL:   e.AuthLoginURL,
		AuthTokenURL:   e.AuthTokenURL,
		AuthAudience:   e.AuthAudience,
		KeySetURL:      e.KeySetURL,
		KeySet:         e.KeySet,
		PublicKeyPEM:   string(e.PublicKeyPEM),
		DeploymentIDs:  deps,
	}
}

func modeName(m lti.AddressingMode) string {
	if m == lti.MultiClient {
		return "multi"
	}
	return "single"
}

func (d registrationDoc) entry() (lti.ToolConfEntry, error) {
	mode, err := lti.ParseAddressingMode(d.AddressingMode)
	if err != nil {
		return lti.ToolConfEntry{}, err
	}
	return lti.ToolConfEntry{
		Issuer:        strings.TrimSpace(d.Issuer),
		Mode:          mode,
		Default:       d.Default,
		ClientID:      strings.TrimSpace(d.ClientID),
		AuthLoginURL:  d.AuthLoginURL,
		AuthTokenURL:  d.AuthTokenURL,
		AuthAudience:  d.AuthAudience,
		KeySetURL:     d.KeySetURL,
		KeySet:        d.KeySet,
		PrivateKeyPEM: []byte(d.PrivateKeyPEM),
		PublicKeyPEM:  []byte(d.PublicKeyPEM),
		DeploymentIDs: d.DeploymentIDs,
	}, nil
}

// MountAdmin wires the registration API, and the grade outbox API when
// outbox is non-nil, under /admin. guard authenticates the operator and puts
// the admin role in the context.
func MountAdmin(r chi.Router, store RegistrationStore, outbox GradeOutbox, guard func(http.Handler) http.Handler, log *zap.SugaredLogger) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(guard)
		ar.With(rbac.Require("registrations:read")).Get("/registrations", ListRegistrationsHandler(store))
		ar.With(rbac.Require("registrations:write")).Post("/registrations", UpsertRegistrationHandler(store, log))
		ar.With(rbac.Require("registrations:write")).Delete("/registrations", DeleteRegistrationHandler(store, log))
		ar.With(rbac.Require("registrations:write")).Post("/registrations/deployments", AddDeploymentHandler(store))
		if outbox != nil {
			ar.With(rbac.Require("grades:read")).Get("/grades", ListSubmissionsHandler(outbox))
			ar.With(rbac.Require("grades:write")).Post("/grades/{id}/resync", ResyncHandler(outbox, log))
		}
	})
}

// GET /admin/registrations
func ListRegistrationsHandler(store RegistrationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := store.List(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]registrationDoc, 0, len(entries))
		for _, e := range entries {
			out = append(out, docFromEntry(e))
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// POST /admin/registrations
func UpsertRegistrationHandler(store RegistrationStore, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var doc registrationDoc
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		e, err := doc.entry()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := store.Upsert(r.Context(), e); err != nil {
			if errors.Is(err, lti.ErrConfiguration) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if log != nil {
			log.Infow("registration saved", "iss", e.Issuer, "client_id", e.ClientID, "mode", modeName(e.Mode))
		}
		doc = docFromEntry(e)
		respondJSON(w, http.StatusCreated, doc)
	}
}

// DELETE /admin/registrations?issuer=&client_id=
func DeleteRegistrationHandler(store RegistrationStore, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		iss, client := r.URL.Query().Get("issuer"), r.URL.Query().Get("client_id")
		if iss == "" || client == "" {
			http.Error(w, "issuer and client_id required", http.StatusBadRequest)
			return
		}
		if err := store.Delete(r.Context(), iss, client); err != nil {
			if errors.Is(err, lti.ErrRegistrationNotFound) {
				http.Error(w, "registration not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if log != nil {
			log.Infow("registration deleted", "iss", iss, "client_id", client)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// POST /admin/registrations/deployments {issuer, client_id, deployment_id}
func AddDeploymentHandler(store RegistrationStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Issuer       string `json:"issuer"`
			ClientID     string `json:"client_id"`
			DeploymentID string `json:"deployment_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Issuer == "" || req.ClientID == "" || req.DeploymentID == "" {
			http.Error(w, "issuer, client_id and deployment_id required", http.StatusBadRequest)
			return
		}
		if err := store.AddDeployment(r.Context(), req.Issuer, req.ClientID, req.DeploymentID); err != nil {
			if errors.Is(err, lti.ErrRegistrationNotFound) {
				http.Error(w, "registration not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
