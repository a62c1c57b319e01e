package httpchi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

// StatusFor maps an error kind to the HTTP status returned to the browser.
func StatusFor(k lti.Kind) int {
	switch k {
	case lti.KindOIDC, lti.KindInvalidState, lti.KindInvalidJWTFormat, lti.KindInvalidNonce,
		lti.KindInvalidMessage, lti.KindUnrecognizedMessageType, lti.KindCannotRevalidate,
		lti.KindMissingSessionCookie, lti.KindValidation:
		return http.StatusBadRequest
	case lti.KindNoMatchingKey, lti.KindSignatureInvalid, lti.KindTokenExpired:
		return http.StatusUnauthorized
	case lti.KindRegistrationNotFound, lti.KindClientIDMismatch, lti.KindDeploymentNotFound, lti.KindMissingScope:
		return http.StatusForbidden
	case lti.KindLaunchNotFound:
		return http.StatusNotFound
	case lti.KindKeyFetch, lti.KindServiceRequest:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteError renders err as JSON. Internal errors are logged and their
// message is not echoed back.
func WriteError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	kind := lti.KindOf(err)
	status := StatusFor(kind)
	p := errPayload{Error: kind.String()}
	if status >= 500 {
		if log != nil {
			log.Errorw("lti request failed", "kind", kind.String(), "err", err)
		}
	} else {
		p.Message = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

const launchFailedPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Launch failed</title></head>
<body><h1>Launch failed</h1>
<p>This activity could not be started. Return to your course and open it again.</p>
<p>Error %d</p></body></html>`

// WriteLaunchFailed logs err and renders a page that names no reason, with
// the status StatusFor picks for its kind. Login and launch failures are
// shown to the learner's browser, so key ids, nonces and signature details
// stay in the log.
func WriteLaunchFailed(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	kind := lti.KindOf(err)
	status := StatusFor(kind)
	if log != nil {
		if status >= 500 {
			log.Errorw("lti launch failed", "kind", kind.String(), "status", status, "err", err)
		} else {
			log.Warnw("lti launch failed", "kind", kind.String(), "status", status, "err", err)
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, launchFailedPage, status)
}
