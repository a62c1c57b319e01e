// pkg/tool/lti/ltitest/request.go
package ltitest

import (
	"sync"
	"time"

	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
)

// Request is an lti.Request built from maps.
type Request struct {
	Params  map[string]string
	Cookies map[string]string
	Secure  bool
	Sess    lti.Session
}

func (r *Request) Param(key string) string { return r.Params[key] }

func (r *Request) Cookie(name string) (string, bool) {
	v, ok := r.Cookies[name]
	return v, ok
}

func (r *Request) IsSecure() bool { return r.Secure }

func (r *Request) Session() lti.Session { return r.Sess }

// Jar records cookies set by the engine. It doubles as the browser: pass
// Jar.Cookies into the next Request.
type Jar struct {
	Cookies map[string]string
}

func NewJar() *Jar { return &Jar{Cookies: map[string]string{}} }

func (j *Jar) SetCookie(name, value string, _ time.Duration) { j.Cookies[name] = value }

// Session is an in-memory lti.Session.
type Session struct {
	mu sync.Mutex
	m  map[string][]byte
}

func NewSession() *Session { return &Session{m: map[string][]byte{}} }

func (s *Session) Get(k string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	return v, ok
}

func (s *Session) Set(k string, v []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
}

func (s *Session) Delete(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, k)
}
