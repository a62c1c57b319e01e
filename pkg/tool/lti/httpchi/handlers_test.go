package httpchi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/cache"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/httpchi"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/ltitest"
)

type toolServer struct {
	srv    *httptest.Server
	p      *ltitest.Platform
	client *http.Client
	api    *httpchi.API
	logs   *observer.ObservedLogs
}

func newToolServer(t *testing.T) *toolServer {
	t.Helper()
	_, toolKey, _ := ltitest.Keys(t)
	p := ltitest.NewPlatform(t, "client-1")
	p.ToolKey = &toolKey.PublicKey
	reg, err := lti.NewRegistration(p.Registration(toolKey))
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	tc := lti.NewToolConf()
	if err := tc.Add(reg, lti.SingleClient, true, p.DeploymentID); err != nil {
		t.Fatalf("tool conf: %v", err)
	}
	mem := cache.NewMemory(time.Minute)
	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core).Sugar()
	api := &httpchi.API{
		Log: log,
		Tool: &lti.Tool{
			Registry:      tc,
			Keys:          lti.NewKeyStore(mem, nil),
			Cache:         mem,
			SessionCookie: "lti1p3-session",
		},
		Registrations: func(context.Context) ([]*lti.Registration, error) { return tc.Registrations(), nil },
	}
	r := chi.NewRouter()
	r.Use(httpchi.Sessions("lti1p3-session", mem, log))
	api.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	api.Login.LaunchURL = srv.URL + "/lti/launch"

	jar, _ := cookiejar.New(nil)
	return &toolServer{
		srv:  srv,
		p:    p,
		api:  api,
		logs: logs,
		client: &http.Client{
			Jar:           jar,
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (s *toolServer) login(t *testing.T) (state, nonce string) {
	t.Helper()
	q := url.Values{"iss": {s.p.URL}, "login_hint": {"user-1"}}
	resp, err := s.client.Get(s.srv.URL + "/lti/login?" + q.Encode())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("redirect_uri") != s.api.Login.LaunchURL {
		t.Fatalf("redirect_uri = %s", loc.Query().Get("redirect_uri"))
	}
	return loc.Query().Get("state"), loc.Query().Get("nonce")
}

func (s *toolServer) postLaunch(t *testing.T, state, idToken string) (*http.Response, map[string]any) {
	t.Helper()
	resp, raw := s.postLaunchRaw(t, state, idToken)
	var body map[string]any
	_ = json.Unmarshal([]byte(raw), &body)
	return resp, body
}

func (s *toolServer) postLaunchRaw(t *testing.T, state, idToken string) (*http.Response, string) {
	t.Helper()
	resp, err := s.client.PostForm(s.srv.URL+"/lti/launch", url.Values{"state": {state}, "id_token": {idToken}})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, string(raw)
}

// failedPage checks that a failed login or launch shows the generic page
// and that the reason only reached the log.
func (s *toolServer) failedPage(t *testing.T, resp *http.Response, page string, status int, kind string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, status, page)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") || !strings.Contains(page, "Launch failed") {
		t.Fatalf("not the launch failed page: %s %s", resp.Header.Get("Content-Type"), page)
	}
	if strings.Contains(page, kind) {
		t.Fatalf("page names the error kind %s: %s", kind, page)
	}
	logged := s.logs.FilterMessage("lti launch failed").TakeAll()
	if len(logged) == 0 || logged[len(logged)-1].ContextMap()["kind"] != kind {
		t.Fatalf("logged = %v, want kind %s", logged, kind)
	}
}

func TestAPI_LoginAndLaunch(t *testing.T) {
	s := newToolServer(t)
	state, nonce := s.login(t)
	tok := s.p.IDToken(s.p.LaunchClaims(nonce))

	resp, body := s.postLaunch(t, state, tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("launch status = %d body=%v", resp.StatusCode, body)
	}
	if body["message_type"] != lti.MessageResourceLink || body["teacher"] != true || body["context_id"] != "ctx-1" {
		t.Fatalf("summary = %v", body)
	}
	launchID, _ := body["launch_id"].(string)

	// replaying the same form post is rejected
	resp, page := s.postLaunchRaw(t, state, tok)
	s.failedPage(t, resp, page, http.StatusBadRequest, "invalid_nonce")

	req := httptest.NewRequest(http.MethodGet, "/app", nil)
	m, err := s.api.FromCache(req, launchID)
	if err != nil || !m.IsRestored() {
		t.Fatalf("from cache: %v", err)
	}
}

func TestAPI_LaunchErrors(t *testing.T) {
	s := newToolServer(t)
	state, nonce := s.login(t)
	_, _, other := ltitest.Keys(t)

	resp, page := s.postLaunchRaw(t, state, s.p.SignWith(other, s.p.KeyID, s.p.LaunchClaims(nonce)))
	s.failedPage(t, resp, page, http.StatusUnauthorized, "signature_invalid")
	for _, detail := range []string{"signature", "kid", s.p.KeyID, nonce} {
		if strings.Contains(page, detail) {
			t.Fatalf("page leaks %q: %s", detail, page)
		}
	}

	resp, page = s.postLaunchRaw(t, "state-unknown", "a.b.c")
	s.failedPage(t, resp, page, http.StatusBadRequest, "invalid_state")
	if strings.Contains(page, "state") {
		t.Fatalf("page leaks the state reason: %s", page)
	}
}

func TestAPI_LoginErrors(t *testing.T) {
	s := newToolServer(t)
	resp, err := s.client.Get(s.srv.URL + "/lti/login?iss=https://unknown.example.com&login_hint=u")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	page, _ := io.ReadAll(resp.Body)
	s.failedPage(t, resp, string(page), http.StatusForbidden, "registration_not_found")
	if strings.Contains(string(page), "unknown.example.com") {
		t.Fatalf("page echoes the issuer: %s", page)
	}
}

func TestAPI_JSRedirectAndCookieCheck(t *testing.T) {
	s := newToolServer(t)
	s.api.Login.JSRedirect = true
	q := url.Values{"iss": {s.p.URL}, "login_hint": {"u"}}.Encode()
	resp, err := s.client.Get(s.srv.URL + "/lti/login?" + q)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("js redirect = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	s.api.Login.CheckCookies = true
	resp, err = s.client.Get(s.srv.URL + "/lti/login?" + q)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	page, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(page), "lti1p3-new-tab-link") {
		t.Fatalf("cookie probe page missing")
	}
}

func TestAPI_JWKS(t *testing.T) {
	s := newToolServer(t)
	resp, err := s.client.Get(s.srv.URL + "/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	defer resp.Body.Close()
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0]["alg"] != "RS256" || set.Keys[0]["kid"] == "" || set.Keys[0]["d"] != nil {
		t.Fatalf("jwks = %v", set.Keys)
	}
}

func TestCookies_Secure(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://tool/lti/login", nil)
	r.Header.Set("X-Forwarded-Proto", "https, http")
	w := httptest.NewRecorder()
	httpchi.CookiesFor(w, r).SetCookie("state-1", "state-1", time.Minute)
	c := w.Result().Cookies()
	if len(c) != 1 || c[0].Name != "lti1p3-state-1" || !c[0].Secure || c[0].SameSite != http.SameSiteNoneMode || !c[0].HttpOnly {
		t.Fatalf("cookie = %+v", c)
	}

	plain := httptest.NewRecorder()
	httpchi.CookiesFor(plain, httptest.NewRequest(http.MethodGet, "/", nil)).SetCookie("x", "y", 0)
	if c := plain.Result().Cookies(); c[0].Secure || c[0].SameSite != http.SameSiteLaxMode {
		t.Fatalf("plain cookie = %+v", c[0])
	}
}

func TestRequest_CookieFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader("state=s1"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.AddCookie(&http.Cookie{Name: "s1", Value: "bare"})
	q := httpchi.NewRequest(r)
	if q.Param("state") != "s1" {
		t.Fatalf("form param = %q", q.Param("state"))
	}
	if v, ok := q.Cookie("s1"); !ok || v != "bare" {
		t.Fatalf("bare cookie = %q %v", v, ok)
	}
	r.AddCookie(&http.Cookie{Name: "lti1p3-s1", Value: "prefixed"})
	if v, _ := q.Cookie("s1"); v != "prefixed" {
		t.Fatalf("prefixed cookie should win, got %q", v)
	}
	if q.Session() != nil {
		t.Fatalf("session without middleware")
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[lti.Kind]int{
		lti.KindInvalidNonce:         http.StatusBadRequest,
		lti.KindSignatureInvalid:     http.StatusUnauthorized,
		lti.KindTokenExpired:         http.StatusUnauthorized,
		lti.KindDeploymentNotFound:   http.StatusForbidden,
		lti.KindLaunchNotFound:       http.StatusNotFound,
		lti.KindKeyFetch:             http.StatusBadGateway,
		lti.KindConfiguration:        http.StatusInternalServerError,
		lti.KindMissingSessionCookie: http.StatusBadRequest,
	}
	for k, want := range cases {
		if got := httpchi.StatusFor(k); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", k, got, want)
		}
	}

	w := httptest.NewRecorder()
	httpchi.WriteError(w, nil, &lti.Error{Kind: lti.KindConfiguration, Reason: "secret path /etc/keys"})
	if strings.Contains(w.Body.String(), "/etc/keys") || w.Code != 500 {
		t.Fatalf("internal error leaked: %d %s", w.Code, w.Body.String())
	}
}

type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errCacheDown
}
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errCacheDown
}
func (brokenCache) Take(context.Context, string) ([]byte, bool, error) {
	return nil, false, errCacheDown
}
func (brokenCache) CanExpire() bool { return true }

func TestSessions_LogsCacheFailures(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := httpchi.Sessions("sid", brokenCache{}, zap.New(core).Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := httpchi.NewRequest(r).Session()
		sess.Set("state-1", []byte("x"))
		if _, ok := sess.Get("state-1"); ok {
			t.Errorf("read through a broken cache")
		}
		sess.Delete("state-1")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	for _, msg := range []string{"session write", "session read", "session delete"} {
		entries := logs.FilterMessage(msg).All()
		if len(entries) != 1 || entries[0].ContextMap()["key"] != "state-1" {
			t.Fatalf("%s logged = %v", msg, entries)
		}
	}
}
