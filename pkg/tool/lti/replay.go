// pkg/tool/lti/replay.go
package lti

import (
	"context"
	"encoding/json"
	"time"
)

// Cache is the storage contract behind ReplayStore and KeyStore.
// Implementations must make Take atomic for a single key (read + delete),
// which is what keeps a nonce single-use under concurrent launches.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Take(ctx context.Context, key string) ([]byte, bool, error)
	// CanExpire reports whether ttl passed to Set is honoured.
	CanExpire() bool
}

const (
	keyPrefix             = "lti1p3"
	DefaultLaunchLifetime = 24 * time.Hour
)

// ReplayStore keeps the transient protocol state of the login/launch round
// trip: nonces, state bindings, state params and validated launch payloads.
//
// Keys are laid out as "lti1p3-[<session>-]<logical key>". Launch payloads
// are stored under the bare launch id unless a session is bound.
type ReplayStore struct {
	cache     Cache
	sessionID string
	lifetime  time.Duration
}

func NewReplayStore(c Cache) *ReplayStore {
	return &ReplayStore{cache: c, lifetime: DefaultLaunchLifetime}
}

// WithSession returns a copy whose keys are namespaced by sessionID.
func (s *ReplayStore) WithSession(sessionID string) *ReplayStore {
	cp := *s
	cp.sessionID = sessionID
	return &cp
}

// Global returns a copy with session namespacing switched off.
func (s *ReplayStore) Global() *ReplayStore { return s.WithSession("") }

// SessionID is the namespace currently bound ("" when global).
func (s *ReplayStore) SessionID() string { return s.sessionID }

func (s *ReplayStore) CanSetExpiration() bool { return s.cache.CanExpire() }

// SetLaunchDataLifetime changes the TTL of everything written from now on.
func (s *ReplayStore) SetLaunchDataLifetime(d time.Duration) error {
	if !s.cache.CanExpire() {
		return newErr(KindConfiguration, "storage backend does not support key expiration")
	}
	if d <= 0 {
		return newErr(KindConfiguration, "launch data lifetime must be positive")
	}
	s.lifetime = d
	return nil
}

func (s *ReplayStore) LaunchDataLifetime() time.Duration { return s.lifetime }

func (s *ReplayStore) key(logical string, prefixed bool) string {
	switch {
	case s.sessionID != "":
		return keyPrefix + "-" + s.sessionID + "-" + logical
	case prefixed:
		return keyPrefix + "-" + logical
	default:
		return logical
	}
}

// ---- nonce ----

func (s *ReplayStore) SaveNonce(ctx context.Context, nonce string) error {
	return s.cache.Set(ctx, s.key("nonce-"+nonce, true), []byte("1"), s.lifetime)
}

// CheckAndConsumeNonce returns true exactly once per saved nonce.
func (s *ReplayStore) CheckAndConsumeNonce(ctx context.Context, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	_, ok, err := s.cache.Take(ctx, s.key("nonce-"+nonce, true))
	return ok, err
}

// ---- state ----

func (s *ReplayStore) SaveStateParams(ctx context.Context, state string, params map[string]any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.key(state, true), b, s.lifetime)
}

// StateParams returns nil, nil when nothing was saved for state.
func (s *ReplayStore) StateParams(ctx context.Context, state string) (map[string]any, error) {
	b, ok, err := s.cache.Get(ctx, s.key(state, true))
	if err != nil || !ok {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetStateValid binds state to the hash of the id_token it was redeemed with.
func (s *ReplayStore) SetStateValid(ctx context.Context, state, idTokenHash string) error {
	return s.cache.Set(ctx, s.key(state+"-id-token-hash", true), []byte(idTokenHash), s.lifetime)
}

func (s *ReplayStore) CheckStateIsValid(ctx context.Context, state, idTokenHash string) (bool, error) {
	b, ok, err := s.cache.Get(ctx, s.key(state+"-id-token-hash", true))
	if err != nil || !ok {
		return false, err
	}
	return string(b) == idTokenHash, nil
}

// ---- launch data ----

func (s *ReplayStore) SaveLaunchData(ctx context.Context, launchID string, body []byte) error {
	return s.cache.Set(ctx, s.key(launchID, false), body, s.lifetime)
}

func (s *ReplayStore) LaunchData(ctx context.Context, launchID string) ([]byte, bool, error) {
	return s.cache.Get(ctx, s.key(launchID, false))
}

// ---- login params (cookie check round trip) ----

func (s *ReplayStore) saveLoginParams(ctx context.Context, id string, params map[string]string) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.key("login-params-"+id, true), b, 5*time.Minute)
}

func (s *ReplayStore) takeLoginParams(ctx context.Context, id string) (map[string]string, bool, error) {
	b, ok, err := s.cache.Take(ctx, s.key("login-params-"+id, true))
	if err != nil || !ok {
		return nil, false, err
	}
	var out map[string]string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false, err
	}
	return out, true, nil
}
