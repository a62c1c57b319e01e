// pkg/tool/lti/ltitest/platform.go
package ltitest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

/*
Platform is an in-memory LMS for tests. It serves:

	GET  /jwks                               platform JWKS
	POST /token                              client_credentials + private_key_jwt
	GET  /contexts/{ctx}/line_items          paginated with PageSize
	POST /contexts/{ctx}/line_items
	GET|PUT|DELETE /line_items/{id}
	POST /line_items/{id}/scores
	GET  /line_items/{id}/results            paginated
	GET  /contexts/{ctx}/memberships         paginated
	GET  /contexts/{ctx}/groups              paginated
	GET  /contexts/{ctx}/group_sets

Service routes require a bearer token minted by /token. Every request is
counted by route so tests can assert that no call was made.
*/
type Platform struct {
	Server *httptest.Server
	URL    string

	Key   *rsa.PrivateKey
	KeyID string

	ClientID     string
	DeploymentID string
	ContextID    string

	// ToolKey verifies client assertions when set.
	ToolKey *rsa.PublicKey
	// TokenTTL is advertised as expires_in (default 1h).
	TokenTTL time.Duration
	// PageSize > 0 splits collections into pages linked with rel="next".
	PageSize int
	// FailScores rejects that many score posts with 503 before accepting.
	FailScores int

	mu        sync.Mutex
	calls     map[string]int
	tokens    int
	nextID    int
	lineItems []map[string]any
	scores    map[string][]map[string]any
	results   map[string][]map[string]any
	members   []lti.Member
	groups    []map[string]any
	sets      []map[string]any
}

var (
	keyOnce sync.Once
	keys    [3]*rsa.PrivateKey
)

// Keys returns three RSA keys shared by the whole test binary.
func Keys(t testing.TB) (platform, tool, other *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		for i := range keys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			keys[i] = k
		}
	})
	return keys[0], keys[1], keys[2]
}

// NewPlatform starts a platform bound to clientID. It is closed with t.
func NewPlatform(t testing.TB, clientID string) *Platform {
	t.Helper()
	pk, _, _ := Keys(t)
	p := &Platform{
		Key:          pk,
		KeyID:        "platform-key-1",
		ClientID:     clientID,
		DeploymentID: "deployment-1",
		ContextID:    "ctx-1",
		calls:        map[string]int{},
		scores:       map[string][]map[string]any{},
		results:      map[string][]map[string]any{},
	}
	r := chi.NewRouter()
	r.Use(p.count)
	r.Get("/jwks", p.jwks)
	r.Post("/token", p.token)
	r.Group(func(r chi.Router) {
		r.Use(p.bearer)
		r.Get("/contexts/{ctx}/line_items", p.listLineItems)
		r.Post("/contexts/{ctx}/line_items", p.createLineItem)
		r.Get("/line_items/{id}", p.getLineItem)
		r.Put("/line_items/{id}", p.putLineItem)
		r.Delete("/line_items/{id}", p.deleteLineItem)
		r.Post("/line_items/{id}/scores", p.postScore)
		r.Get("/line_items/{id}/results", p.listResults)
		r.Get("/contexts/{ctx}/memberships", p.listMembers)
		r.Get("/contexts/{ctx}/groups", p.listGroups)
		r.Get("/contexts/{ctx}/group_sets", p.listSets)
	})
	p.Server = httptest.NewServer(r)
	p.URL = p.Server.URL
	t.Cleanup(p.Server.Close)
	return p
}

// ---- fixtures ----

func (p *Platform) contextURL(svc string) string {
	return p.URL + "/contexts/" + p.ContextID + "/" + svc
}

func (p *Platform) LineItemsURL() string   { return p.contextURL("line_items") }
func (p *Platform) MembershipsURL() string { return p.contextURL("memberships") }
func (p *Platform) GroupsURL() string      { return p.contextURL("groups") }
func (p *Platform) GroupSetsURL() string   { return p.contextURL("group_sets") }

// AddLineItem seeds a lineitem and returns its id (URL).
func (p *Platform) AddLineItem(label, tag, resourceID string, scoreMax float64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLineItemLocked(map[string]any{
		"label": label, "tag": tag, "resourceId": resourceID, "scoreMaximum": scoreMax,
	})
}

func (p *Platform) addLineItemLocked(li map[string]any) string {
	p.nextID++
	id := p.URL + "/line_items/" + strconv.Itoa(p.nextID)
	li["id"] = id
	p.lineItems = append(p.lineItems, li)
	return id
}

func (p *Platform) AddResult(lineItemID string, result map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[lineItemID] = append(p.results[lineItemID], result)
}

func (p *Platform) AddMembers(m ...lti.Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members = append(p.members, m...)
}

// AddGroup seeds a group; id and setID may be strings or numbers.
func (p *Platform) AddGroup(id any, name string, setID any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := map[string]any{"id": id, "name": name}
	if setID != nil {
		g["set_id"] = setID
	}
	p.groups = append(p.groups, g)
}

func (p *Platform) AddSet(id any, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets = append(p.sets, map[string]any{"id": id, "name": name})
}

// Scores returns the scores posted to lineItemID.
func (p *Platform) Scores(lineItemID string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.scores[lineItemID]...)
}

func (p *Platform) LineItemCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lineItems)
}

// Calls counts requests whose path starts with prefix.
func (p *Platform) Calls(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for path, c := range p.calls {
		if strings.HasPrefix(path, prefix) {
			n += c
		}
	}
	return n
}

// TotalCalls counts every request.
func (p *Platform) TotalCalls() int { return p.Calls("/") }

func (p *Platform) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens
}

// ---- id tokens ----

// LaunchClaims is a valid resource link launch for nonce with every service claim.
func (p *Platform) LaunchClaims(nonce string) map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":   p.URL,
		"aud":   p.ClientID,
		"sub":   "user-1",
		"nonce": nonce,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"name":  "Ada Lovelace",

		lti.ClaimMessageType:  lti.MessageResourceLink,
		lti.ClaimVersion:      lti.LTIVersion,
		lti.ClaimDeploymentID: p.DeploymentID,
		lti.ClaimRoles:        []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"},
		lti.ClaimContext:      map[string]any{"id": p.ContextID, "title": "Course"},
		lti.ClaimResourceLink: map[string]any{"id": "rl-1", "title": "Link"},
		lti.ClaimAGSEndpoint: map[string]any{
			"scope":     []string{lti.ScopeLineItem, lti.ScopeLineItemReadOnly, lti.ScopeScore, lti.ScopeResultReadOnly},
			"lineitems": p.LineItemsURL(),
		},
		lti.ClaimNRPS: map[string]any{
			"context_memberships_url": p.MembershipsURL(),
			"service_versions":        []string{"2.0"},
		},
		lti.ClaimGroupsService: map[string]any{
			"scope":                  []string{lti.ScopeContextGroupReadOnly},
			"context_groups_url":     p.GroupsURL(),
			"context_group_sets_url": p.GroupSetsURL(),
			"service_versions":       []string{"1.0"},
		},
		"https://purl.imsglobal.org/spec/lti/claim/ext": map[string]any{"lms": "test"},
	}
}

// IDToken signs claims with the platform key.
func (p *Platform) IDToken(claims map[string]any) string {
	return p.SignWith(p.Key, p.KeyID, claims)
}

// SignWith signs claims with an arbitrary key and kid.
func (p *Platform) SignWith(key *rsa.PrivateKey, kid string, claims map[string]any) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims))
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		panic(err)
	}
	return s
}

// JWKS is the platform key set as served on /jwks.
func (p *Platform) JWKS() []byte {
	k, err := jwk.FromRaw(&p.Key.PublicKey)
	if err != nil {
		panic(err)
	}
	_ = k.Set(jwk.KeyIDKey, p.KeyID)
	_ = k.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = k.Set(jwk.KeyUsageKey, "sig")
	set := jwk.NewSet()
	_ = set.AddKey(k)
	b, err := json.Marshal(set)
	if err != nil {
		panic(err)
	}
	return b
}

// Registration is the tool-side view of this platform.
func (p *Platform) Registration(toolKey *rsa.PrivateKey) lti.RegistrationConfig {
	return lti.RegistrationConfig{
		Issuer:       p.URL,
		ClientID:     p.ClientID,
		AuthLoginURL: p.URL + "/authorize",
		AuthTokenURL: p.URL + "/token",
		KeySetURL:    p.URL + "/jwks",
		PrivateKey:   toolKey,
		PublicKey:    &toolKey.PublicKey,
	}
}

// ---- handlers ----

func (p *Platform) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.calls[r.URL.Path]++
		p.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (p *Platform) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-") {
			writeErr(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Platform) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(p.JWKS())
}

func (p *Platform) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErr(w, http.StatusBadRequest, "bad form")
		return
	}
	if r.PostFormValue("grant_type") != "client_credentials" ||
		r.PostFormValue("client_assertion_type") != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
		writeErr(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	assertion := r.PostFormValue("client_assertion")
	if p.ToolKey != nil {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(assertion, claims, func(*jwt.Token) (any, error) { return p.ToolKey, nil },
			jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(p.URL+"/token"))
		if err != nil || claims["iss"] != p.ClientID || claims["sub"] != p.ClientID {
			writeErr(w, http.StatusUnauthorized, "invalid_client")
			return
		}
	}
	ttl := p.TokenTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	p.mu.Lock()
	p.tokens++
	n := p.tokens
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": fmt.Sprintf("tok-%d", n),
		"token_type":   "Bearer",
		"expires_in":   int(ttl.Seconds()),
		"scope":        r.PostFormValue("scope"),
	})
}

func (p *Platform) lineItemByPath(r *http.Request) (int, map[string]any) {
	id := p.URL + "/line_items/" + chi.URLParam(r, "id")
	for i, li := range p.lineItems {
		if li["id"] == id {
			return i, li
		}
	}
	return -1, nil
}

func (p *Platform) listLineItems(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	items := append([]map[string]any(nil), p.lineItems...)
	p.mu.Unlock()
	writePage(w, r, p.PageSize, "application/vnd.ims.lis.v2.lineitemcontainer+json", items, func(page []map[string]any) any { return page })
}

func (p *Platform) createLineItem(w http.ResponseWriter, r *http.Request) {
	var in map[string]any
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if max, _ := in["scoreMaximum"].(float64); max <= 0 {
		writeErr(w, http.StatusBadRequest, "scoreMaximum must be > 0")
		return
	}
	p.mu.Lock()
	p.addLineItemLocked(in)
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(in)
}

func (p *Platform) getLineItem(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	_, li := p.lineItemByPath(r)
	p.mu.Unlock()
	if li == nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")
	_ = json.NewEncoder(w).Encode(li)
}

func (p *Platform) putLineItem(w http.ResponseWriter, r *http.Request) {
	var in map[string]any
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i, li := p.lineItemByPath(r)
	if li == nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	in["id"] = li["id"]
	p.lineItems[i] = in
	w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitem+json")
	_ = json.NewEncoder(w).Encode(in)
}

func (p *Platform) deleteLineItem(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, li := p.lineItemByPath(r)
	if li == nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	p.lineItems = append(p.lineItems[:i], p.lineItems[i+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Platform) postScore(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "application/vnd.ims.lis.v1.score+json" {
		writeErr(w, http.StatusUnsupportedMediaType, "unexpected content type "+ct)
		return
	}
	var in map[string]any
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailScores > 0 {
		p.FailScores--
		writeErr(w, http.StatusServiceUnavailable, "gradebook unavailable")
		return
	}
	_, li := p.lineItemByPath(r)
	if li == nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	id := li["id"].(string)
	p.scores[id] = append(p.scores[id], in)
	w.WriteHeader(http.StatusOK)
}

func (p *Platform) listResults(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	_, li := p.lineItemByPath(r)
	var results []map[string]any
	if li != nil {
		results = append(results, p.results[li["id"].(string)]...)
	}
	p.mu.Unlock()
	if li == nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	writePage(w, r, p.PageSize, "application/vnd.ims.lis.v2.resultcontainer+json", results, func(page []map[string]any) any { return page })
}

func (p *Platform) listMembers(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	members := append([]lti.Member(nil), p.members...)
	p.mu.Unlock()
	writePage(w, r, p.PageSize, "application/vnd.ims.lti-nrps.v2.membershipcontainer+json", members, func(page []lti.Member) any {
		return map[string]any{
			"id":      p.MembershipsURL(),
			"context": map[string]any{"id": p.ContextID, "title": "Course"},
			"members": page,
		}
	})
}

func (p *Platform) listGroups(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	groups := append([]map[string]any(nil), p.groups...)
	p.mu.Unlock()
	writePage(w, r, p.PageSize, "application/vnd.ims.lti-gs.v1.contextgroupcontainer+json", groups, func(page []map[string]any) any {
		return map[string]any{"groups": page}
	})
}

func (p *Platform) listSets(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	sets := append([]map[string]any(nil), p.sets...)
	p.mu.Unlock()
	writePage(w, r, 0, "application/vnd.ims.lti-gs.v1.contextgroupcontainer+json", sets, func(page []map[string]any) any {
		return map[string]any{"sets": page}
	})
}

// writePage writes page ?page=N (1-based) of items and a rel="next" Link when more remain.
func writePage[T any](w http.ResponseWriter, r *http.Request, size int, mediaType string, items []T, wrap func([]T) any) {
	page := 1
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if size > 0 {
		start := (page - 1) * size
		if start > len(items) {
			start = len(items)
		}
		end := start + size
		if end < len(items) {
			next := *r.URL
			q := next.Query()
			q.Set("page", strconv.Itoa(page+1))
			next.RawQuery = q.Encode()
			w.Header().Add("Link", fmt.Sprintf("<http://%s%s>; rel=\"next\"", r.Host, next.String()))
		} else {
			end = len(items)
		}
		items = items[start:end]
	}
	if items == nil {
		items = []T{}
	}
	w.Header().Set("Content-Type", mediaType)
	_ = json.NewEncoder(w).Encode(wrap(items))
}

type errPayload struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errPayload{Error: msg})
}
