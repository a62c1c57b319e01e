package auth

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/lti1p3-tool/internal/rbac"
)

// BasicAuth guards operator endpoints with a single bcrypt-hashed account.
// An empty hash disables the endpoints entirely.
type BasicAuth struct {
	User     string
	PassHash string
	Realm    string
}

func (a BasicAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.PassHash == "" {
			http.Error(w, "admin api disabled", http.StatusNotFound)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !a.check(user, pass) {
			realm := a.Realm
			if realm == "" {
				realm = "lti-admin"
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := WithPrincipal(r.Context(), Principal{Subject: user})
		ctx = rbac.WithRole(ctx, rbac.RoleAdmin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a BasicAuth) check(user, pass string) bool {
	// Always run bcrypt so a wrong user name costs the same as a wrong password.
	hashOK := bcrypt.CompareHashAndPassword([]byte(a.PassHash), []byte(pass)) == nil
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.User)) == 1
	return hashOK && userOK
}
