// pkg/tool/lti/keystore.go
package lti

import (
	"context"
	"crypto/md5"
	"crypto/rsa"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

const (
	DefaultKeySetTTL = 2 * time.Hour
	defaultKeyAlg    = "RS256"
	maxErrBody       = 2048
)

// KeyStore resolves platform key sets. The optional Cache is tool-global:
// keys are "key-set-url-<md5(url)>" and are never namespaced per session.
type KeyStore struct {
	Cache Cache
	TTL   time.Duration
	HTTP  *http.Client
	Log   *zap.SugaredLogger
}

// NewKeyStore returns a KeyStore with a 10s HTTP timeout. c may be nil.
func NewKeyStore(c Cache, log *zap.SugaredLogger) *KeyStore {
	return &KeyStore{
		Cache: c,
		TTL:   DefaultKeySetTTL,
		HTTP:  &http.Client{Timeout: 10 * time.Second},
		Log:   log,
	}
}

// KeySetCacheKey is the cache key used for url.
func KeySetCacheKey(url string) string {
	sum := md5.Sum([]byte(url))
	return "key-set-url-" + hex.EncodeToString(sum[:])
}

// Resolve returns the JWKS published at url.
func (k *KeyStore) Resolve(ctx context.Context, url string) (jwk.Set, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, newErr(KindKeyFetch, "invalid key set url %q", url)
	}
	ck := KeySetCacheKey(url)
	if k.Cache != nil {
		raw, ok, err := k.Cache.Get(ctx, ck)
		if err != nil {
			k.log().Warnw("key set cache read failed", "err", err)
		} else if ok {
			if set, err := jwk.Parse(raw); err == nil {
				return set, nil
			}
		}
	}

	raw, err := k.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	set, err := jwk.Parse(raw)
	if err != nil {
		return nil, wrapErr(KindKeyFetch, err, "invalid response from %s: must be a JSON key set", url)
	}
	if k.Cache != nil {
		if err := k.Cache.Set(ctx, ck, raw, k.ttl()); err != nil {
			k.log().Warnw("key set cache write failed", "err", err)
		}
	}
	return set, nil
}

func (k *KeyStore) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, wrapErr(KindKeyFetch, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := k.client().Do(req)
	if err != nil {
		return nil, wrapErr(KindKeyFetch, err, "fetch %s", url)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, wrapErr(KindKeyFetch, err, "read %s", url)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &Error{Kind: KindKeyFetch, Reason: "fetch " + url, Status: resp.StatusCode, Body: truncate(body)}
	}
	return body, nil
}

func (k *KeyStore) client() *http.Client {
	if k.HTTP != nil {
		return k.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (k *KeyStore) ttl() time.Duration {
	if k.TTL > 0 {
		return k.TTL
	}
	return DefaultKeySetTTL
}

func (k *KeyStore) log() *zap.SugaredLogger { return orNop(k.Log) }

// findPublicKey picks the key matching both kid and alg. Keys without an
// alg are treated as RS256.
func findPublicKey(set jwk.Set, kid, alg string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, newErr(KindNoMatchingKey, "JWT kid not found")
	}
	if alg == "" {
		return nil, newErr(KindNoMatchingKey, "JWT alg not found")
	}
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok || key.KeyID() != kid {
			continue
		}
		keyAlg := defaultKeyAlg
		if a := key.Algorithm(); a != nil && a.String() != "" {
			keyAlg = a.String()
		}
		if keyAlg != alg {
			continue
		}
		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, wrapErr(KindNoMatchingKey, err, "key %s is not an RSA public key", kid)
		}
		return &pub, nil
	}
	return nil, newErr(KindNoMatchingKey, "unable to find public key for kid %q", kid)
}

func truncate(b []byte) string {
	if len(b) > maxErrBody {
		b = b[:maxErrBody]
	}
	return string(b)
}

func orNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return zap.NewNop().Sugar()
}
