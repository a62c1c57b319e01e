// pkg/tool/lti/deeplink.go
package lti

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	deepLinkResponseTTL = 10 * time.Minute
	ContentTypeLink     = "ltiResourceLink"
)

// DeepLinkLineItem asks the platform to create a gradebook column with the link.
type DeepLinkLineItem struct {
	ScoreMaximum float64 `json:"scoreMaximum"`
	Label        string  `json:"label,omitempty"`
	ResourceID   string  `json:"resourceId,omitempty"`
	Tag          string  `json:"tag,omitempty"`
}

type DeepLinkImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// DeepLinkResourceFields are the content item attributes.
type DeepLinkResourceFields struct {
	Type      string
	Title     string
	Text      string
	URL       string
	Custom    map[string]string
	LineItem  *DeepLinkLineItem
	Target    string // presentation documentTarget, e.g. "iframe"
	Icon      *DeepLinkImage
	Thumbnail *DeepLinkImage
}

// DeepLinkResource is one immutable content item of a deep linking response.
type DeepLinkResource struct {
	f DeepLinkResourceFields
}

// NewDeepLinkResource validates f. Type defaults to ltiResourceLink.
func NewDeepLinkResource(f DeepLinkResourceFields) (*DeepLinkResource, error) {
	if f.Type == "" {
		f.Type = ContentTypeLink
	}
	if f.Type == ContentTypeLink && strings.TrimSpace(f.URL) == "" && f.LineItem == nil {
		return nil, newErr(KindValidation, "resource link needs a url or a lineItem")
	}
	if f.LineItem != nil {
		if f.LineItem.ScoreMaximum <= 0 {
			return nil, newErr(KindValidation, "content item lineItem scoreMaximum must be > 0")
		}
		li := *f.LineItem
		f.LineItem = &li
	}
	if len(f.Custom) > 0 {
		custom := make(map[string]string, len(f.Custom))
		for k, v := range f.Custom {
			custom[k] = v
		}
		f.Custom = custom
	}
	return &DeepLinkResource{f: f}, nil
}

func (r *DeepLinkResource) Type() string  { return r.f.Type }
func (r *DeepLinkResource) Title() string { return r.f.Title }
func (r *DeepLinkResource) URL() string   { return r.f.URL }

// Item is the content item object as placed in the response JWT.
func (r *DeepLinkResource) Item() map[string]any {
	out := map[string]any{"type": r.f.Type}
	if r.f.Title != "" {
		out["title"] = r.f.Title
	}
	if r.f.Text != "" {
		out["text"] = r.f.Text
	}
	if r.f.URL != "" {
		out["url"] = r.f.URL
	}
	if len(r.f.Custom) > 0 {
		out["custom"] = r.f.Custom
	}
	if r.f.LineItem != nil {
		out["lineItem"] = r.f.LineItem
	}
	if r.f.Target != "" {
		out["presentation"] = map[string]any{"documentTarget": r.f.Target}
	}
	if r.f.Icon != nil {
		out["icon"] = r.f.Icon
	}
	if r.f.Thumbnail != nil {
		out["thumbnail"] = r.f.Thumbnail
	}
	return out
}

// DeepLink builds the signed response to an LtiDeepLinkingRequest.
type DeepLink struct {
	reg          *Registration
	deploymentID string
	settings     DeepLinkingSettings

	Now   func() time.Time
	NewID func() string
}

func NewDeepLink(reg *Registration, deploymentID string, settings DeepLinkingSettings) *DeepLink {
	return &DeepLink{reg: reg, deploymentID: deploymentID, settings: settings}
}

// ReturnURL is where the response form posts to.
func (d *DeepLink) ReturnURL() string { return d.settings.DeepLinkReturnURL }

// ResponseJWT signs the content items with the tool key.
func (d *DeepLink) ResponseJWT(resources []*DeepLinkResource) (string, error) {
	if d.reg.PrivateKey() == nil {
		return "", newErr(KindConfiguration, "registration has no private key")
	}
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	items := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		items = append(items, r.Item())
	}
	claims := jwt.MapClaims{
		"iss":              d.reg.ClientID(),
		"aud":              []string{d.reg.Issuer()},
		"iat":              now.Unix(),
		"exp":              now.Add(deepLinkResponseTTL).Unix(),
		"nonce":            "nonce-" + strings.ReplaceAll(uuidOr(d.NewID), "-", ""),
		ClaimDeploymentID:  d.deploymentID,
		ClaimMessageType:   MessageDeepLinkResponse,
		ClaimVersion:       LTIVersion,
		ClaimDeepLinkItems: items,
	}
	if data := d.settings.Data; len(data) > 0 && string(data) != "null" {
		claims[ClaimDeepLinkData] = data
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid := d.reg.KeyID(); kid != "" {
		tok.Header["kid"] = kid
	}
	return tok.SignedString(d.reg.PrivateKey())
}

var deepLinkFormTmpl = template.Must(template.New("dl").Parse(`<!DOCTYPE html>
<html>
<body>
<form id="lti13_deep_link_auto_submit" action="{{.Action}}" method="POST">
<input type="hidden" name="JWT" value="{{.JWT}}" />
</form>
<script type="text/javascript">document.getElementById('lti13_deep_link_auto_submit').submit();</script>
</body>
</html>
`))

// ResponseForm renders the self-submitting form carrying jwtValue back to the platform.
func (d *DeepLink) ResponseForm(jwtValue string) (string, error) {
	var buf bytes.Buffer
	err := deepLinkFormTmpl.Execute(&buf, map[string]string{
		"Action": d.settings.DeepLinkReturnURL,
		"JWT":    jwtValue,
	})
	return buf.String(), err
}

// OutputResponseForm signs resources and renders the form in one step.
func (d *DeepLink) OutputResponseForm(resources []*DeepLinkResource) (string, error) {
	tok, err := d.ResponseJWT(resources)
	if err != nil {
		return "", err
	}
	return d.ResponseForm(tok)
}
