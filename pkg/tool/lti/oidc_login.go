// pkg/tool/lti/oidc_login.go
package lti

import (
	"bytes"
	"context"
	"html/template"
	"net/url"
	"strings"
	"time"
)

const (
	stateCookieTTL = 5 * time.Minute

	paramCookiesAllowed = "lti1p3_cookies_allowed"
	paramLoginParams    = "lti1p3_login_params"
)

// loginParamNames are the third-party login initiation parameters.
var loginParamNames = []string{"iss", "login_hint", "target_link_uri", "lti_message_hint", "client_id", "lti_deployment_id"}

// LoginOptions tunes one login initiation.
type LoginOptions struct {
	// LaunchURL is the redirect_uri registered with the platform.
	LaunchURL string
	// JSRedirect asks for a same-document JS redirect instead of a 302.
	JSRedirect bool
	// StateParams are threaded through the round trip (see MessageLaunch.StateParams).
	StateParams map[string]any
	// CheckCookies serves a cookie probe page before redirecting.
	CheckCookies bool
	CookieCheck  CookieCheckText
}

type CookieCheckText struct {
	Main    string
	Click   string
	Loading string
}

// Redirect is what the adapter should send back.
type Redirect struct {
	URL string
	JS  bool
	// Page, when set, is a complete HTML document to serve with 200 instead of redirecting.
	Page string
}

var jsRedirectTmpl = template.Must(template.New("js").Parse(
	`<!DOCTYPE html><html><head><meta charset="UTF-8"><script type="text/javascript">window.location.href = {{.}};</script></head><body></body></html>`))

// HTML renders the JS redirect document.
func (r *Redirect) HTML() string {
	var buf bytes.Buffer
	_ = jsRedirectTmpl.Execute(&buf, r.URL)
	return buf.String()
}

// InitiateLogin handles a third-party initiated login and returns the
// redirect to the platform's authorization endpoint.
func (t *Tool) InitiateLogin(ctx context.Context, req Request, w CookieWriter, opts LoginOptions) (*Redirect, error) {
	r, err := t.initiateLogin(ctx, req, w, opts)
	switch {
	case err != nil:
		t.observer().Login(KindOf(err).String())
	case r.Page != "":
		t.observer().Login("cookie_check")
	default:
		t.observer().Login("ok")
	}
	return r, err
}

func (t *Tool) initiateLogin(ctx context.Context, req Request, w CookieWriter, opts LoginOptions) (*Redirect, error) {
	if opts.LaunchURL == "" {
		return nil, newErr(KindOIDC, "no launch url configured")
	}
	st, err := t.storeFor(req)
	if err != nil {
		return nil, err
	}

	if id := req.Param(paramLoginParams); id != "" {
		saved, ok, err := st.Global().takeLoginParams(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			req = overlayRequest{Request: req, params: saved}
		}
	} else if opts.CheckCookies && req.Param(paramCookiesAllowed) == "" {
		return t.cookieCheckPage(ctx, req, st, opts)
	}

	iss := req.Param("iss")
	if iss == "" {
		return nil, newErr(KindOIDC, "could not find issuer")
	}
	loginHint := req.Param("login_hint")
	if loginHint == "" {
		return nil, newErr(KindOIDC, "could not find login hint")
	}
	reg, err := resolveRegistration(ctx, t.Registry, iss, req.Param("client_id"))
	if err != nil {
		return nil, err
	}

	state := "state-" + t.newID()
	w.SetCookie(state, state, stateCookieTTL)

	nonce := strings.ReplaceAll(t.newID(), "-", "") + strings.ReplaceAll(t.newID(), "-", "")
	if err := st.SaveNonce(ctx, nonce); err != nil {
		return nil, err
	}
	if len(opts.StateParams) > 0 {
		if err := st.SaveStateParams(ctx, state, opts.StateParams); err != nil {
			return nil, err
		}
	}

	q := url.Values{}
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", reg.ClientID())
	q.Set("redirect_uri", opts.LaunchURL)
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("login_hint", loginHint)
	if hint := req.Param("lti_message_hint"); hint != "" {
		q.Set("lti_message_hint", hint)
	}

	sep := "?"
	if strings.Contains(reg.AuthLoginURL(), "?") {
		sep = "&"
	}
	t.log().Debugw("oidc login", "iss", iss, "client_id", reg.ClientID())
	return &Redirect{URL: reg.AuthLoginURL() + sep + q.Encode(), JS: opts.JSRedirect}, nil
}

// ---- cookie probe ----

func (t *Tool) cookieCheckPage(ctx context.Context, req Request, st *ReplayStore, opts LoginOptions) (*Redirect, error) {
	saved := map[string]string{}
	for _, k := range loginParamNames {
		if v := req.Param(k); v != "" {
			saved[k] = v
		}
	}
	id := t.newID()
	if err := st.Global().saveLoginParams(ctx, id, saved); err != nil {
		return nil, err
	}
	protocol := "http"
	if req.IsSecure() {
		protocol = "https"
	}
	text := opts.CookieCheck
	if text.Main == "" {
		text.Main = "Your browser prohibits to save cookies in the iframes."
	}
	if text.Click == "" {
		text.Click = "Click here to open the application in a new tab."
	}
	if text.Loading == "" {
		text.Loading = "Loading..."
	}
	var buf bytes.Buffer
	err := cookieCheckTmpl.Execute(&buf, map[string]any{
		"Protocol": protocol,
		"Params":   map[string]string{paramCookiesAllowed: "1", paramLoginParams: id},
		"Text":     text,
	})
	if err != nil {
		return nil, err
	}
	return &Redirect{Page: buf.String()}, nil
}

var cookieCheckTmpl = template.Must(template.New("cookies").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<style type="text/css">body { font-family: Geneva, Arial, Helvetica, sans-serif; }</style>
<script type="text/javascript">
var siteProtocol = {{.Protocol}};
var urlParams = {{.Params}};

function getUpdatedUrl() {
    var extra = [];
    for (var key in urlParams) {
        if (window.location.search.indexOf(key + '=') === -1) {
            extra.push(key + '=' + encodeURIComponent(urlParams[key]));
        }
    }
    var search = window.location.search !== '' ? window.location.search + '&' : '?';
    return window.location.protocol + '//' + window.location.host + window.location.pathname + search + extra.join('&');
}

function checkCookiesAllowed() {
    var cookie = "lti1p3_test_cookie=1; path=/";
    if (siteProtocol === 'https') {
        cookie = cookie + '; SameSite=None; secure';
    }
    document.cookie = cookie;
    if (document.cookie.indexOf("lti1p3_test_cookie") !== -1) {
        document.cookie = "lti1p3_test_cookie=1; expires=Thu, 01-Jan-1970 00:00:01 GMT";
        document.getElementById("lti1p3-loading-msg").style.display = "block";
        window.location.href = getUpdatedUrl();
        return;
    }
    document.getElementById("lti1p3-warning-msg").style.display = "block";
    var link = document.getElementById("lti1p3-new-tab-link");
    var target = getUpdatedUrl();
    link.onclick = function() {
        window.open(target, '_blank');
        link.parentNode.removeChild(link);
    };
}

document.addEventListener("DOMContentLoaded", checkCookiesAllowed);
</script>
</head>
<body>
<div id="lti1p3-loading-msg" style="display: none;">{{.Text.Loading}}</div>
<div id="lti1p3-warning-msg" style="display: none;">
<p><strong>{{.Text.Main}}</strong> <a href="javascript: void(0);" id="lti1p3-new-tab-link">{{.Text.Click}}</a></p>
</div>
</body>
</html>
`))

// overlayRequest answers Param from saved login params first.
type overlayRequest struct {
	Request
	params map[string]string
}

func (o overlayRequest) Param(key string) string {
	if v, ok := o.params[key]; ok {
		return v
	}
	return o.Request.Param(key)
}
