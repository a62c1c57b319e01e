// pkg/tool/lti/request.go
package lti

import (
	"context"
	"time"
)

/*
The engine never touches a concrete web framework. Adapters (see httpchi)
hand it a Request for reading, a CookieWriter for the one cookie the login
step sets, and optionally a Session when no shared Cache is configured.
*/

// Request is the read side of one inbound HTTP request.
type Request interface {
	// Param returns a query or form value ("" when absent).
	Param(key string) string
	// Cookie returns the named cookie value.
	Cookie(name string) (string, bool)
	// IsSecure reports whether the request arrived over TLS.
	IsSecure() bool
	// Session returns the per-user server session, or nil if the adapter has none.
	Session() Session
}

// Session is a per-user key/value bag owned by the web layer.
type Session interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

// CookieWriter sets response cookies.
type CookieWriter interface {
	SetCookie(name, value string, maxAge time.Duration)
}

// sessionCache adapts a Session to the Cache contract. Sessions have no
// per-key expiry, so launch lifetimes cannot be tuned on top of them.
type sessionCache struct{ s Session }

// SessionCache exposes s as a Cache.
func SessionCache(s Session) Cache { return sessionCache{s: s} }

func (c sessionCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.s.Get(key)
	return v, ok, nil
}

func (c sessionCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.s.Set(key, value)
	return nil
}

// Take is only as atomic as the session itself; sessions are per user.
func (c sessionCache) Take(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.s.Get(key)
	if ok {
		c.s.Delete(key)
	}
	return v, ok, nil
}

func (c sessionCache) CanExpire() bool { return false }
