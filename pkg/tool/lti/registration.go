// pkg/tool/lti/registration.go
package lti

import (
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// RegistrationConfig is the raw material for a Registration. PEM fields and
// inline JWKS are parsed by NewRegistration; the parsed forms win when both
// are given.
type RegistrationConfig struct {
	Issuer       string
	ClientID     string
	AuthLoginURL string
	AuthTokenURL string
	AuthAudience string
	KeySetURL    string
	KeySetJSON   []byte

	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
	PrivateKey    *rsa.PrivateKey
	PublicKey     *rsa.PublicKey
	// KeyID overrides the thumbprint-derived kid.
	KeyID string
}

// Registration is one platform/tool pairing. It is immutable once built.
type Registration struct {
	issuer       string
	clientID     string
	authLoginURL string
	authTokenURL string
	authAudience string
	keySetURL    string
	keySet       jwk.Set

	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

// NewRegistration validates cfg and builds a Registration. Failures are
// configuration errors and are meant to surface at load time.
func NewRegistration(cfg RegistrationConfig) (*Registration, error) {
	r := &Registration{
		issuer:       strings.TrimSpace(cfg.Issuer),
		clientID:     strings.TrimSpace(cfg.ClientID),
		authLoginURL: strings.TrimSpace(cfg.AuthLoginURL),
		authTokenURL: strings.TrimSpace(cfg.AuthTokenURL),
		authAudience: strings.TrimSpace(cfg.AuthAudience),
		keySetURL:    strings.TrimSpace(cfg.KeySetURL),
		privateKey:   cfg.PrivateKey,
		publicKey:    cfg.PublicKey,
		kid:          cfg.KeyID,
	}
	switch {
	case r.issuer == "":
		return nil, newErr(KindConfiguration, "registration: issuer is required")
	case r.clientID == "":
		return nil, newErr(KindConfiguration, "registration %s: client_id is required", r.issuer)
	case r.authLoginURL == "":
		return nil, newErr(KindConfiguration, "registration %s: auth_login_url is required", r.issuer)
	case r.authTokenURL == "":
		return nil, newErr(KindConfiguration, "registration %s: auth_token_url is required", r.issuer)
	}

	if len(cfg.KeySetJSON) > 0 {
		set, err := jwk.Parse(cfg.KeySetJSON)
		if err != nil {
			return nil, wrapErr(KindConfiguration, err, "registration %s: invalid key_set", r.issuer)
		}
		r.keySet = set
	}
	if r.keySet == nil && r.keySetURL == "" {
		return nil, newErr(KindConfiguration, "registration %s: key_set or key_set_url is required", r.issuer)
	}

	if r.privateKey == nil && len(cfg.PrivateKeyPEM) > 0 {
		k, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, wrapErr(KindConfiguration, err, "registration %s: invalid private key", r.issuer)
		}
		r.privateKey = k
	}
	if r.privateKey == nil {
		return nil, newErr(KindConfiguration, "registration %s: tool private key is required", r.issuer)
	}
	if r.publicKey == nil && len(cfg.PublicKeyPEM) > 0 {
		k, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, wrapErr(KindConfiguration, err, "registration %s: invalid public key", r.issuer)
		}
		r.publicKey = k
	}
	if r.publicKey != nil && r.kid == "" {
		kid, err := Thumbprint(r.publicKey)
		if err != nil {
			return nil, wrapErr(KindConfiguration, err, "registration %s: kid", r.issuer)
		}
		r.kid = kid
	}
	return r, nil
}

func (r *Registration) Issuer() string       { return r.issuer }
func (r *Registration) ClientID() string     { return r.clientID }
func (r *Registration) AuthLoginURL() string { return r.authLoginURL }
func (r *Registration) AuthTokenURL() string { return r.authTokenURL }
func (r *Registration) KeySetURL() string    { return r.keySetURL }
func (r *Registration) KeySet() jwk.Set      { return r.keySet }
func (r *Registration) KeyID() string        { return r.kid }

// AuthAudience falls back to the token URL.
func (r *Registration) AuthAudience() string {
	if r.authAudience != "" {
		return r.authAudience
	}
	return r.authTokenURL
}

func (r *Registration) PrivateKey() *rsa.PrivateKey { return r.privateKey }

// PublicKey is nil unless the tool publishes its own key.
func (r *Registration) PublicKey() *rsa.PublicKey { return r.publicKey }

// PublicJWK is the tool key as published in the tool JWKS (nil when no public key).
func (r *Registration) PublicJWK() (jwk.Key, error) {
	if r.publicKey == nil {
		return nil, nil
	}
	return publicJWK(r.publicKey, r.kid)
}

// Deployment is a known deployment_id of a registration.
type Deployment struct {
	ID string
}

// ---- tool keys ----

// Thumbprint is the RFC 7638 SHA-256 thumbprint of pub, base64url encoded.
func Thumbprint(pub *rsa.PublicKey) (string, error) {
	k, err := jwk.FromRaw(pub)
	if err != nil {
		return "", err
	}
	tp, err := k.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

func publicJWK(pub *rsa.PublicKey, kid string) (jwk.Key, error) {
	k, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, err
	}
	_ = k.Set(jwk.KeyIDKey, kid)
	_ = k.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = k.Set(jwk.KeyUsageKey, "sig")
	return k, nil
}

// ToolJWKS collects the public keys of regs into one set, deduplicated by kid.
func ToolJWKS(regs ...*Registration) (jwk.Set, error) {
	set := jwk.NewSet()
	seen := map[string]bool{}
	for _, r := range regs {
		if r == nil || r.publicKey == nil || seen[r.kid] {
			continue
		}
		k, err := r.PublicJWK()
		if err != nil {
			return nil, err
		}
		if err := set.AddKey(k); err != nil {
			return nil, err
		}
		seen[r.kid] = true
	}
	return set, nil
}
