package httpchi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

// CookiePrefix is prepended to every cookie the engine sets.
const CookiePrefix = "lti1p3-"

// Request adapts *http.Request to lti.Request.
type Request struct {
	r *http.Request
}

// NewRequest parses the query and form of r.
func NewRequest(r *http.Request) *Request {
	_ = r.ParseForm()
	return &Request{r: r}
}

func (q *Request) Param(key string) string { return q.r.FormValue(key) }

// Cookie looks for the prefixed name first, then the bare one.
func (q *Request) Cookie(name string) (string, bool) {
	for _, n := range []string{CookiePrefix + name, name} {
		if c, err := q.r.Cookie(n); err == nil {
			return c.Value, true
		}
	}
	return "", false
}

func (q *Request) IsSecure() bool { return isSecure(q.r) }

func (q *Request) Session() lti.Session {
	s, _ := q.r.Context().Value(sessionKey{}).(lti.Session)
	return s
}

func isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if i := strings.IndexByte(proto, ','); i >= 0 {
		proto = proto[:i]
	}
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// Cookies adapts an http.ResponseWriter to lti.CookieWriter. On secure
// requests cookies are SameSite=None; Secure so they survive the
// cross-site form post from the platform.
type Cookies struct {
	W      http.ResponseWriter
	Secure bool
}

func CookiesFor(w http.ResponseWriter, r *http.Request) Cookies {
	return Cookies{W: w, Secure: isSecure(r)}
}

func (c Cookies) SetCookie(name, value string, maxAge time.Duration) {
	http.SetCookie(c.W, c.cookie(CookiePrefix+name, value, maxAge))
}

func (c Cookies) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		ck.MaxAge = int(maxAge.Seconds())
		ck.Expires = time.Now().Add(maxAge)
	}
	if c.Secure {
		ck.Secure = true
		ck.SameSite = http.SameSiteNoneMode
	}
	return ck
}

// ---- sessions ----

type sessionKey struct{}

const sessionTTL = 24 * time.Hour

// Sessions makes sure every request carries the session cookie named name
// and attaches an lti.Session stored in c. A freshly minted cookie is also
// added to the inbound request so the engine sees it on the first hit.
// Cache failures are logged to log, which may be nil.
func Sessions(name string, c lti.Cache, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := ""
			if ck, err := r.Cookie(name); err == nil && ck.Value != "" {
				sid = ck.Value
			} else {
				sid = uuid.NewString()
				http.SetCookie(w, CookiesFor(w, r).cookie(name, sid, sessionTTL))
				r.AddCookie(&http.Cookie{Name: name, Value: sid})
			}
			var s lti.Session = &cacheSession{c: c, sid: sid, log: log}
			ctx := context.WithValue(r.Context(), sessionKey{}, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// cacheSession keeps session values in an lti.Cache under "session-<sid>-<key>".
type cacheSession struct {
	c   lti.Cache
	sid string
	log *zap.SugaredLogger
}

func (s *cacheSession) key(k string) string { return "session-" + s.sid + "-" + k }

func (s *cacheSession) Get(k string) ([]byte, bool) {
	v, ok, err := s.c.Get(context.Background(), s.key(k))
	if err != nil {
		s.log.Warnw("session read", "key", k, "err", err)
		return nil, false
	}
	return v, ok
}

func (s *cacheSession) Set(k string, v []byte) {
	if err := s.c.Set(context.Background(), s.key(k), v, sessionTTL); err != nil {
		s.log.Errorw("session write", "key", k, "err", err)
	}
}

func (s *cacheSession) Delete(k string) {
	if _, _, err := s.c.Take(context.Background(), s.key(k)); err != nil {
		s.log.Warnw("session delete", "key", k, "err", err)
	}
}
