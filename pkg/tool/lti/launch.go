// pkg/tool/lti/launch.go
package lti

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

/*
Message launch

A launch is validated by a strictly ordered pipeline; the first failing
step aborts the launch and nothing is persisted:

	state -> jwt format -> nonce -> registration -> signature
	      -> deployment -> message shape -> save launch data

A validated launch is saved under "lti1p3-launch-<uuid>". Follow-up requests
restore it with Tool.LaunchFromCache, which only re-resolves the registration.
*/

const launchIDPrefix = "lti1p3-launch-"

type jwtHeader struct {
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

// MessageLaunch is the per-request launch state.
type MessageLaunch struct {
	tool  *Tool
	req   Request
	store *ReplayStore

	id       string
	idToken  string
	header   jwtHeader
	claims   *LaunchContext
	reg      *Registration
	restored bool
}

// NewMessageLaunch prepares a launch for req. It fails only when the
// request cannot be bound to a store (e.g. missing session cookie).
func (t *Tool) NewMessageLaunch(req Request) (*MessageLaunch, error) {
	st, err := t.storeFor(req)
	if err != nil {
		return nil, err
	}
	return &MessageLaunch{tool: t, req: req, store: st, id: launchIDPrefix + t.newID()}, nil
}

// LaunchFromCache restores a previously validated launch by id.
func (t *Tool) LaunchFromCache(ctx context.Context, req Request, launchID string) (*MessageLaunch, error) {
	m, err := t.NewMessageLaunch(req)
	if err != nil {
		return nil, err
	}
	raw, ok, err := m.store.LaunchData(ctx, launchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newErr(KindLaunchNotFound, "launch data not found")
	}
	lc, err := ParseLaunchContext(raw)
	if err != nil {
		return nil, wrapErr(KindLaunchNotFound, err, "stored launch data is corrupt")
	}
	m.id, m.claims, m.restored = launchID, lc, true
	if err := m.validateRegistration(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate runs the full pipeline. A restored launch cannot be revalidated.
func (m *MessageLaunch) Validate(ctx context.Context) error {
	if m.restored {
		return newErr(KindCannotRevalidate, "can't validate restored launch")
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"state", m.validateState},
		{"jwt_format", m.validateJWTFormat},
		{"nonce", m.validateNonce},
		{"registration", m.validateRegistration},
		{"signature", m.validateSignature},
		{"deployment", m.validateDeployment},
		{"message", m.validateMessage},
		{"save", m.saveLaunchData},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			m.tool.log().Infow("launch rejected", "step", s.name, "kind", KindOf(err).String(), "err", err)
			m.tool.observer().Launch(m.messageType(), KindOf(err).String())
			return err
		}
	}
	m.tool.observer().Launch(m.messageType(), "ok")
	m.tool.log().Debugw("launch validated", "launch_id", m.id, "message_type", m.claims.MessageType)
	return nil
}

// ---- pipeline ----

func (m *MessageLaunch) validateState(ctx context.Context) error {
	state := m.req.Param("state")
	if state == "" {
		return newErr(KindInvalidState, "missing state parameter")
	}
	m.idToken = m.req.Param("id_token")
	if m.idToken == "" {
		return newErr(KindInvalidJWTFormat, "missing id_token")
	}
	ok, err := m.store.CheckStateIsValid(ctx, state, m.idTokenHash())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if v, found := m.req.Cookie(state); found && v == state {
		return nil
	}
	return newErr(KindInvalidState, "state not found")
}

func (m *MessageLaunch) validateJWTFormat(context.Context) error {
	parts := strings.Split(m.idToken, ".")
	if len(parts) != 3 {
		return newErr(KindInvalidJWTFormat, "invalid id_token, JWT must contain 3 parts")
	}
	hdr, err := decodeSegment(parts[0])
	if err != nil {
		return wrapErr(KindInvalidJWTFormat, err, "invalid JWT header")
	}
	if err := json.Unmarshal(hdr, &m.header); err != nil {
		return wrapErr(KindInvalidJWTFormat, err, "invalid JWT header")
	}
	body, err := decodeSegment(parts[1])
	if err != nil {
		return wrapErr(KindInvalidJWTFormat, err, "invalid JWT body")
	}
	lc, err := ParseLaunchContext(body)
	if err != nil {
		return wrapErr(KindInvalidJWTFormat, err, "invalid JWT body")
	}
	m.claims = lc
	return nil
}

func (m *MessageLaunch) validateNonce(ctx context.Context) error {
	if m.claims.Nonce == "" {
		return newErr(KindInvalidNonce, "nonce is empty")
	}
	ok, err := m.store.CheckAndConsumeNonce(ctx, m.claims.Nonce)
	if err != nil {
		return err
	}
	if !ok {
		return newErr(KindInvalidNonce, "invalid nonce")
	}
	return nil
}

func (m *MessageLaunch) validateRegistration(ctx context.Context) error {
	clientID := m.claims.ClientID()
	reg, err := resolveRegistration(ctx, m.tool.Registry, m.claims.Issuer, clientID)
	if err != nil {
		return err
	}
	if reg.ClientID() != clientID {
		return newErr(KindClientIDMismatch, "client id not registered for this issuer")
	}
	m.reg = reg
	return nil
}

func (m *MessageLaunch) validateSignature(ctx context.Context) error {
	set := m.reg.KeySet()
	if set == nil {
		var err error
		if set, err = m.tool.keys().Resolve(ctx, m.reg.KeySetURL()); err != nil {
			return err
		}
	}
	pub, err := findPublicKey(set, m.header.Kid, m.header.Alg)
	if err != nil {
		return err
	}
	_, err = jwt.Parse(m.idToken, func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(m.tool.Leeway),
		jwt.WithTimeFunc(m.tool.now),
		jwt.WithIssuedAt(),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return wrapErr(KindTokenExpired, err, "id_token is not valid at this time")
	default:
		return wrapErr(KindSignatureInvalid, err, "id_token signature verification failed")
	}
}

func (m *MessageLaunch) validateDeployment(ctx context.Context) error {
	if m.claims.DeploymentID == "" {
		return newErr(KindDeploymentNotFound, "missing deployment_id")
	}
	if _, err := resolveDeployment(ctx, m.tool.Registry, m.claims.Issuer, m.claims.ClientID(), m.claims.DeploymentID); err != nil {
		if KindOf(err) == KindDeploymentNotFound {
			return err
		}
		return wrapErr(KindDeploymentNotFound, err, "unable to find deployment")
	}
	return nil
}

func (m *MessageLaunch) validateMessage(context.Context) error {
	return validateMessage(m.tool.validators(), m.claims)
}

func (m *MessageLaunch) saveLaunchData(ctx context.Context) error {
	if err := m.store.SaveLaunchData(ctx, m.id, m.claims.Raw()); err != nil {
		return err
	}
	return m.store.SetStateValid(ctx, m.req.Param("state"), m.idTokenHash())
}

func (m *MessageLaunch) idTokenHash() string {
	sum := md5.Sum([]byte(m.idToken))
	return hex.EncodeToString(sum[:])
}

// decodeSegment accepts base64url with or without padding.
func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}

// ---- accessors ----

func (m *MessageLaunch) LaunchID() string               { return m.id }
func (m *MessageLaunch) Context() *LaunchContext        { return m.claims }
func (m *MessageLaunch) Registration() *Registration    { return m.reg }
func (m *MessageLaunch) IsRestored() bool               { return m.restored }
func (m *MessageLaunch) IsResourceLaunch() bool         { return m.isType(MessageResourceLink) }
func (m *MessageLaunch) IsDeepLinkLaunch() bool         { return m.isType(MessageDeepLinking) }
func (m *MessageLaunch) IsDataPrivacyLaunch() bool      { return m.isType(MessageDataPrivacy) }
func (m *MessageLaunch) IsSubmissionReviewLaunch() bool { return m.isType(MessageSubmissionReview) }

func (m *MessageLaunch) messageType() string {
	if m.claims == nil {
		return ""
	}
	return m.claims.MessageType
}

func (m *MessageLaunch) isType(t string) bool {
	return m.claims != nil && m.claims.MessageType == t
}

func (m *MessageLaunch) HasAGS() bool { return m.claims != nil && m.claims.AGS != nil }

func (m *MessageLaunch) HasNRPS() bool {
	return m.claims != nil && m.claims.NRPS != nil && m.claims.NRPS.ContextMembershipsURL != ""
}

func (m *MessageLaunch) HasCGS() bool { return m.claims != nil && m.claims.Groups != nil }

func (m *MessageLaunch) hasRole(c RoleCategory) bool {
	return m.claims != nil && HasRole(c, m.claims.Roles)
}

func (m *MessageLaunch) CheckStaffAccess() bool             { return m.hasRole(RoleStaff) }
func (m *MessageLaunch) CheckStudentAccess() bool           { return m.hasRole(RoleStudent) }
func (m *MessageLaunch) CheckTeacherAccess() bool           { return m.hasRole(RoleTeacher) }
func (m *MessageLaunch) CheckTeachingAssistantAccess() bool { return m.hasRole(RoleTeachingAssistant) }
func (m *MessageLaunch) CheckDesignerAccess() bool          { return m.hasRole(RoleDesigner) }
func (m *MessageLaunch) CheckObserverAccess() bool          { return m.hasRole(RoleObserver) }
func (m *MessageLaunch) CheckTransientAccess() bool         { return m.hasRole(RoleTransient) }

// StateParams returns the params passed through the login step, if any.
func (m *MessageLaunch) StateParams(ctx context.Context) (map[string]any, error) {
	state := m.req.Param("state")
	if state == "" {
		return nil, nil
	}
	return m.store.StateParams(ctx, state)
}

// ---- services ----

func (m *MessageLaunch) connector() *ServiceConnector {
	return m.tool.Connector(m.reg)
}

// AGS returns the Assignment and Grade Services client for this launch.
func (m *MessageLaunch) AGS() (*AssignmentsGradesService, error) {
	if !m.HasAGS() {
		return nil, newErr(KindMissingScope, "launch has no assignment and grade service claim")
	}
	return NewAssignmentsGradesService(m.connector(), *m.claims.AGS), nil
}

// NRPS returns the Names and Role Provisioning client.
func (m *MessageLaunch) NRPS() (*NamesRolesService, error) {
	if !m.HasNRPS() {
		return nil, newErr(KindMissingScope, "launch has no names and roles service claim")
	}
	return NewNamesRolesService(m.connector(), *m.claims.NRPS), nil
}

// CourseGroups returns the Course Groups client.
func (m *MessageLaunch) CourseGroups() (*CourseGroupsService, error) {
	if !m.HasCGS() {
		return nil, newErr(KindMissingScope, "launch has no course groups service claim")
	}
	return NewCourseGroupsService(m.connector(), *m.claims.Groups), nil
}

// DeepLink returns the response builder for a deep linking launch.
func (m *MessageLaunch) DeepLink() (*DeepLink, error) {
	if !m.IsDeepLinkLaunch() || m.claims.DeepLinkingSettings == nil {
		return nil, newErr(KindInvalidMessage, "not a deep linking launch")
	}
	dl := NewDeepLink(m.reg, m.claims.DeploymentID, *m.claims.DeepLinkingSettings)
	dl.Now, dl.NewID = m.tool.now, m.tool.newID
	return dl, nil
}
