package server

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Verifier checks the bearer token of a request against a bcrypt hash.
type Verifier struct {
	hash []byte
}

// NewVerifier returns a Verifier for hash. An empty hash accepts everything.
func NewVerifier(hash string) *Verifier {
	return &Verifier{hash: []byte(hash)}
}

// Enabled reports whether tokens are checked.
func (v *Verifier) Enabled() bool {
	return len(v.hash) > 0
}

// Verify reports whether r carries a valid token, taken from the
// Authorization header or the token query parameter.
func (v *Verifier) Verify(r *http.Request) bool {
	if !v.Enabled() {
		return true
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(token)) == nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	return r.URL.Query().Get("token")
}
