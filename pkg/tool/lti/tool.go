// pkg/tool/lti/tool.go
package lti

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

/*
Tool wires the protocol engine together. It is long-lived and safe for
concurrent use; per-request state lives in MessageLaunch and in the
ReplayStore bound for that request.

	tool := &lti.Tool{
		Registry:      toolConf,
		Keys:          lti.NewKeyStore(sharedCache, log),
		Cache:         sharedCache,
		SessionCookie: "lti1p3-session",
		Log:           log,
	}
*/
type Tool struct {
	Registry Registry
	Keys     *KeyStore

	// Cache backs the ReplayStore. When nil, the request's own Session is used.
	Cache Cache
	// SessionCookie namespaces Cache entries per browser session on secure requests.
	SessionCookie string
	// LaunchLifetime overrides DefaultLaunchLifetime (requires an expiring Cache).
	LaunchLifetime time.Duration

	Validators []MessageValidator

	// HTTP is used by service connectors (token exchange and REST calls).
	HTTP *http.Client
	// Leeway tolerated on exp/iat/nbf of the id_token.
	Leeway time.Duration

	// Observer receives login, launch and service call outcomes.
	Observer Observer

	Now   func() time.Time
	NewID func() string
	Log   *zap.SugaredLogger

	connectors sync.Map // issuer|client_id -> *ServiceConnector
}

// Observer is implemented by the metrics layer.
type Observer interface {
	Login(result string)
	Launch(messageType, result string)
	ServiceCall(op string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) Login(string)                             {}
func (nopObserver) Launch(string, string)                    {}
func (nopObserver) ServiceCall(string, time.Duration, error) {}

func (t *Tool) observer() Observer {
	if t.Observer != nil {
		return t.Observer
	}
	return nopObserver{}
}

// Connector returns the service connector for reg. Connectors are kept per
// registration so access tokens are shared across launches.
func (t *Tool) Connector(reg *Registration) *ServiceConnector {
	key := reg.Issuer() + "|" + reg.ClientID()
	if c, ok := t.connectors.Load(key); ok {
		return c.(*ServiceConnector)
	}
	c := NewServiceConnector(reg, t.httpClient())
	c.Now, c.NewID, c.Observer, c.Log = t.now, t.newID, t.observer(), t.Log
	actual, _ := t.connectors.LoadOrStore(key, c)
	return actual.(*ServiceConnector)
}

func (t *Tool) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tool) newID() string { return uuidOr(t.NewID) }

func uuidOr(f func() string) string {
	if f != nil {
		return f()
	}
	return uuid.NewString()
}

func (t *Tool) log() *zap.SugaredLogger { return orNop(t.Log) }

func (t *Tool) validators() []MessageValidator {
	if len(t.Validators) > 0 {
		return t.Validators
	}
	return DefaultValidators()
}

func (t *Tool) httpClient() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (t *Tool) keys() *KeyStore {
	if t.Keys != nil {
		return t.Keys
	}
	return NewKeyStore(nil, t.Log)
}

// storeFor binds a ReplayStore to the caller's session.
func (t *Tool) storeFor(req Request) (*ReplayStore, error) {
	if t.Cache == nil {
		s := req.Session()
		if s == nil {
			return nil, newErr(KindConfiguration, "no cache configured and request has no session")
		}
		return NewReplayStore(SessionCache(s)), nil
	}
	st := NewReplayStore(t.Cache)
	if t.LaunchLifetime > 0 {
		if err := st.SetLaunchDataLifetime(t.LaunchLifetime); err != nil {
			return nil, err
		}
	}
	if t.SessionCookie != "" && req.IsSecure() {
		sid, ok := req.Cookie(t.SessionCookie)
		if !ok || sid == "" {
			return nil, newErr(KindMissingSessionCookie, "missing %s cookie", t.SessionCookie)
		}
		return st.WithSession(sid), nil
	}
	return st, nil
}
