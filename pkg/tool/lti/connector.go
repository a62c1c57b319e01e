// pkg/tool/lti/connector.go
package lti

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	jwtBearerAssertion = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// tokens are dropped this long before the platform says they expire
	tokenSkew          = 30 * time.Second
	defaultTokenTTL    = time.Hour
	maxServiceBodySize = 10 << 20
)

var nextLinkRe = regexp.MustCompile(`(?i)<([^>]*)>\s*;\s*rel="next"`)

// ServiceConnector obtains OAuth2 access tokens with a signed client
// assertion and performs authenticated calls against platform services.
// Tokens are cached per scope set; the cache is safe for concurrent use.
type ServiceConnector struct {
	reg  *Registration
	http *http.Client

	Now      func() time.Time
	NewID    func() string
	Observer Observer
	Log      *zap.SugaredLogger

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value   string
	expires time.Time
}

func NewServiceConnector(reg *Registration, hc *http.Client) *ServiceConnector {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &ServiceConnector{reg: reg, http: hc, tokens: map[string]cachedToken{}}
}

func (c *ServiceConnector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *ServiceConnector) observe(op string, start time.Time, err error) {
	if c.Observer != nil {
		c.Observer.ServiceCall(op, time.Since(start), err)
	}
}

// Registration is the registration the connector signs for.
func (c *ServiceConnector) Registration() *Registration { return c.reg }

// ---- access tokens ----

func scopeKey(scopes []string) (string, []string) {
	uniq := map[string]bool{}
	var out []string
	for _, s := range scopes {
		if s != "" && !uniq[s] {
			uniq[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return strings.Join(out, "|"), out
}

// GetAccessToken returns a bearer token for scopes, reusing a cached one
// until shortly before it expires.
func (c *ServiceConnector) GetAccessToken(ctx context.Context, scopes []string) (string, error) {
	key, sorted := scopeKey(scopes)
	now := c.now()

	c.mu.Lock()
	if tok, ok := c.tokens[key]; ok && now.Before(tok.expires) {
		c.mu.Unlock()
		return tok.value, nil
	}
	c.mu.Unlock()

	start := time.Now()
	tok, err := c.fetchToken(ctx, sorted)
	c.observe("token", start, err)
	if err != nil {
		return "", err
	}

	ttl := defaultTokenTTL
	if !tok.Expiry.IsZero() {
		ttl = time.Until(tok.Expiry)
	}
	if ttl > tokenSkew {
		c.mu.Lock()
		c.tokens[key] = cachedToken{value: tok.AccessToken, expires: now.Add(ttl - tokenSkew)}
		c.mu.Unlock()
	}
	return tok.AccessToken, nil
}

func (c *ServiceConnector) fetchToken(ctx context.Context, scopes []string) (*oauth2.Token, error) {
	assertion, err := c.clientAssertion()
	if err != nil {
		return nil, wrapErr(KindConfiguration, err, "sign client assertion")
	}
	cfg := clientcredentials.Config{
		ClientID:  c.reg.ClientID(),
		TokenURL:  c.reg.AuthTokenURL(),
		Scopes:    scopes,
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"client_assertion_type": {jwtBearerAssertion},
			"client_assertion":      {assertion},
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := cfg.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			e := &Error{Kind: KindServiceRequest, Reason: "access token request failed", Body: truncate(re.Body), Err: err}
			if re.Response != nil {
				e.Status = re.Response.StatusCode
			}
			return nil, e
		}
		return nil, wrapErr(KindServiceRequest, err, "access token request failed")
	}
	return tok, nil
}

// clientAssertion is the RS256 JWT presented to the token endpoint.
func (c *ServiceConnector) clientAssertion() (string, error) {
	if c.reg.PrivateKey() == nil {
		return "", errors.New("registration has no private key")
	}
	now := c.now().Unix()
	id := uuidOr(c.NewID)
	claims := jwt.MapClaims{
		"iss": c.reg.ClientID(),
		"sub": c.reg.ClientID(),
		"aud": c.reg.AuthAudience(),
		"iat": now - 5,
		"exp": now + 60,
		"jti": "lti-service-token-" + id,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid := c.reg.KeyID(); kid != "" {
		tok.Header["kid"] = kid
	}
	return tok.SignedString(c.reg.PrivateKey())
}

// ---- service calls ----

// ServiceCall describes one authenticated request.
type ServiceCall struct {
	Scopes      []string
	URL         string
	Method      string // GET unless Body is set, then POST
	Body        []byte
	ContentType string
	Accept      string
	// Op labels the call in metrics and logs.
	Op string
}

// ServiceResponse is a successful (2xx) platform response.
type ServiceResponse struct {
	Status      int
	Headers     http.Header
	Body        []byte
	NextPageURL string
}

// Decode unmarshals the body into v. An empty body leaves v untouched.
func (r *ServiceResponse) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return wrapErr(KindServiceRequest, err, "invalid JSON in service response")
	}
	return nil
}

// MakeServiceRequest performs call with a bearer token for call.Scopes.
// Non-2xx responses become a KindServiceRequest error carrying status and body.
func (c *ServiceConnector) MakeServiceRequest(ctx context.Context, call ServiceCall) (*ServiceResponse, error) {
	token, err := c.GetAccessToken(ctx, call.Scopes)
	if err != nil {
		return nil, err
	}
	method := call.Method
	if method == "" {
		method = http.MethodGet
		if call.Body != nil {
			method = http.MethodPost
		}
	}
	var body io.Reader
	if call.Body != nil {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, call.URL, body)
	if err != nil {
		return nil, wrapErr(KindServiceRequest, err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if call.Accept != "" {
		req.Header.Set("Accept", call.Accept)
	}
	if call.Body != nil && call.ContentType != "" {
		req.Header.Set("Content-Type", call.ContentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		err = wrapErr(KindServiceRequest, err, "%s %s", method, call.URL)
		c.observe(call.Op, start, err)
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxServiceBodySize))
	if err != nil {
		err = wrapErr(KindServiceRequest, err, "read response")
		c.observe(call.Op, start, err)
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		err := &Error{
			Kind:   KindServiceRequest,
			Reason: method + " " + call.URL,
			Status: resp.StatusCode,
			Body:   truncate(data),
		}
		c.observe(call.Op, start, err)
		if c.Log != nil {
			c.Log.Warnw("service request failed", "op", call.Op, "status", resp.StatusCode)
		}
		return nil, err
	}
	c.observe(call.Op, start, nil)
	return &ServiceResponse{
		Status:      resp.StatusCode,
		Headers:     resp.Header,
		Body:        data,
		NextPageURL: nextPageURL(resp.Header),
	}, nil
}

// nextPageURL extracts rel="next" from the Link header(s).
func nextPageURL(h http.Header) string {
	links := strings.Join(h.Values("Link"), ",")
	if m := nextLinkRe.FindStringSubmatch(links); m != nil {
		return m[1]
	}
	return ""
}
