// pkg/tool/lti/claims.go
package lti

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Claim URIs.
const (
	ClaimMessageType        = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion            = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID       = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimRoles              = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimRoleScopeMentor    = "https://purl.imsglobal.org/spec/lti/claim/role_scope_mentor"
	ClaimContext            = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResourceLink       = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimToolPlatform       = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimLaunchPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	ClaimCustom             = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimForUser            = "https://purl.imsglobal.org/spec/lti/claim/for_user"
	ClaimLIS                = "https://purl.imsglobal.org/spec/lti/claim/lis"
	ClaimAGSEndpoint        = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPS               = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	ClaimGroupsService      = "https://purl.imsglobal.org/spec/lti-gs/claim/groupsservice"
	ClaimDeepLinkSettings   = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimDeepLinkItems      = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDeepLinkData       = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
)

// Message types.
const (
	MessageResourceLink     = "LtiResourceLinkRequest"
	MessageDeepLinking      = "LtiDeepLinkingRequest"
	MessageDataPrivacy      = "DataPrivacyLaunchRequest"
	MessageSubmissionReview = "LtiSubmissionReviewRequest"
	MessageDeepLinkResponse = "LtiDeepLinkingResponse"
	LTIVersion              = "1.3.0"
)

// Audience accepts both the string and the array form of "aud".
type Audience []string

func (a *Audience) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*a = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("aud: %w", err)
	}
	*a = Audience{s}
	return nil
}

// First is the client id the token was issued to.
func (a Audience) First() string {
	if len(a) == 0 {
		return ""
	}
	return a[0]
}

type ContextClaim struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  []string `json:"type,omitempty"`
}

type ResourceLinkClaim struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type ToolPlatformClaim struct {
	GUID              string `json:"guid,omitempty"`
	Name              string `json:"name,omitempty"`
	Version           string `json:"version,omitempty"`
	ProductFamilyCode string `json:"product_family_code,omitempty"`
	ContactEmail      string `json:"contact_email,omitempty"`
	URL               string `json:"url,omitempty"`
}

type LaunchPresentationClaim struct {
	DocumentTarget string `json:"document_target,omitempty"`
	Height         int    `json:"height,omitempty"`
	Width          int    `json:"width,omitempty"`
	ReturnURL      string `json:"return_url,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

type ForUserClaim struct {
	UserID     string   `json:"user_id"`
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

// AGSClaim is the Assignment and Grade Services endpoint claim.
type AGSClaim struct {
	Scope     []string `json:"scope"`
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
}

func (c AGSClaim) hasScope(want ...string) bool {
	for _, s := range c.Scope {
		for _, w := range want {
			if s == w {
				return true
			}
		}
	}
	return false
}

type NRPSClaim struct {
	ContextMembershipsURL string   `json:"context_memberships_url"`
	ServiceVersions       []string `json:"service_versions,omitempty"`
}

type GroupsClaim struct {
	Scope               []string `json:"scope"`
	ContextGroupsURL    string   `json:"context_groups_url"`
	ContextGroupSetsURL string   `json:"context_group_sets_url,omitempty"`
	ServiceVersions     []string `json:"service_versions,omitempty"`
}

type DeepLinkingSettings struct {
	DeepLinkReturnURL                 string   `json:"deep_link_return_url"`
	AcceptTypes                       []string `json:"accept_types"`
	AcceptPresentationDocumentTargets []string `json:"accept_presentation_document_targets"`
	AcceptMediaTypes                  string   `json:"accept_media_types,omitempty"`
	AcceptMultiple                    flexBool `json:"accept_multiple,omitempty"`
	AutoCreate                        flexBool `json:"auto_create,omitempty"`
	Title                             string   `json:"title,omitempty"`
	Text                              string   `json:"text,omitempty"`
	// Data is opaque to the tool and goes back to the platform as sent.
	Data json.RawMessage `json:"data,omitempty"`
}

// flexBool accepts true/false and "true"/"false".
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch string(bytes.Trim(b, `"`)) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

// LaunchContext is the decoded id_token body. Well-known claims are typed;
// everything else (vendor extensions, LIS, ...) stays in Extensions.
type LaunchContext struct {
	Issuer          string   `json:"iss"`
	Audience        Audience `json:"aud"`
	AuthorizedParty string   `json:"azp,omitempty"`
	Subject         string   `json:"sub"`
	Nonce           string   `json:"nonce"`
	ExpiresAt       int64    `json:"exp,omitempty"`
	IssuedAt        int64    `json:"iat,omitempty"`
	Name            string   `json:"name,omitempty"`
	GivenName       string   `json:"given_name,omitempty"`
	FamilyName      string   `json:"family_name,omitempty"`
	Email           string   `json:"email,omitempty"`
	Picture         string   `json:"picture,omitempty"`
	Locale          string   `json:"locale,omitempty"`

	MessageType        string                   `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version            string                   `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID       string                   `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI      string                   `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri,omitempty"`
	Roles              []string                 `json:"https://purl.imsglobal.org/spec/lti/claim/roles,omitempty"`
	RoleScopeMentor    []string                 `json:"https://purl.imsglobal.org/spec/lti/claim/role_scope_mentor,omitempty"`
	Context            *ContextClaim            `json:"https://purl.imsglobal.org/spec/lti/claim/context,omitempty"`
	ResourceLink       *ResourceLinkClaim       `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link,omitempty"`
	ToolPlatform       *ToolPlatformClaim       `json:"https://purl.imsglobal.org/spec/lti/claim/tool_platform,omitempty"`
	LaunchPresentation *LaunchPresentationClaim `json:"https://purl.imsglobal.org/spec/lti/claim/launch_presentation,omitempty"`
	Custom             map[string]any           `json:"https://purl.imsglobal.org/spec/lti/claim/custom,omitempty"`
	ForUser            *ForUserClaim            `json:"https://purl.imsglobal.org/spec/lti/claim/for_user,omitempty"`

	AGS                 *AGSClaim            `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint,omitempty"`
	NRPS                *NRPSClaim           `json:"https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice,omitempty"`
	Groups              *GroupsClaim         `json:"https://purl.imsglobal.org/spec/lti-gs/claim/groupsservice,omitempty"`
	DeepLinkingSettings *DeepLinkingSettings `json:"https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings,omitempty"`

	Extensions map[string]json.RawMessage `json:"-"`

	raw    []byte
	claims map[string]json.RawMessage
}

var knownClaims = map[string]bool{
	"iss": true, "aud": true, "azp": true, "sub": true, "nonce": true, "exp": true, "iat": true,
	"name": true, "given_name": true, "family_name": true, "email": true, "picture": true, "locale": true,
	ClaimMessageType: true, ClaimVersion: true, ClaimDeploymentID: true, ClaimTargetLinkURI: true,
	ClaimRoles: true, ClaimRoleScopeMentor: true, ClaimContext: true, ClaimResourceLink: true,
	ClaimToolPlatform: true, ClaimLaunchPresentation: true, ClaimCustom: true, ClaimForUser: true,
	ClaimAGSEndpoint: true, ClaimNRPS: true, ClaimGroupsService: true, ClaimDeepLinkSettings: true,
}

// ParseLaunchContext decodes an id_token body.
func ParseLaunchContext(body []byte) (*LaunchContext, error) {
	var claims map[string]json.RawMessage
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, err
	}
	lc := &LaunchContext{}
	if err := json.Unmarshal(body, lc); err != nil {
		return nil, err
	}
	lc.raw = append([]byte(nil), body...)
	lc.claims = claims
	for k, v := range claims {
		if knownClaims[k] {
			continue
		}
		if lc.Extensions == nil {
			lc.Extensions = map[string]json.RawMessage{}
		}
		lc.Extensions[k] = v
	}
	return lc, nil
}

// Has reports whether claim was present in the token, even as null.
func (c *LaunchContext) Has(claim string) bool {
	_, ok := c.claims[claim]
	return ok
}

// Raw is the body exactly as received.
func (c *LaunchContext) Raw() []byte { return c.raw }

// Extension decodes a non-modelled claim into v.
func (c *LaunchContext) Extension(claim string, v any) (bool, error) {
	raw, ok := c.Extensions[claim]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// ClientID is the first audience entry.
func (c *LaunchContext) ClientID() string { return c.Audience.First() }
