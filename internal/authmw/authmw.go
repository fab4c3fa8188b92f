// Package authmw provides HTTP middleware for API token authentication.
package authmw

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Rejection reasons passed to the OnReject hook.
const (
	ReasonMissing = "missing"
	ReasonInvalid = "invalid"
)

// Options configure APIToken.
type Options struct {
	// OnReject is called with a Reason* for every rejected request.
	OnReject func(reason string)
}

// APIToken returns middleware that accepts a request carrying one of tokens
// as "Authorization: Bearer <token>" or "X-API-Key: <token>". Tokens are
// compared as SHA-256 digests in constant time, so neither content nor
// length leaks through timing, and every configured token is checked.
func APIToken(opts Options, tokens ...string) func(http.Handler) http.Handler {
	digests := make([][32]byte, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			digests = append(digests, sha256.Sum256([]byte(t)))
		}
	}

	reject := func(w http.ResponseWriter, reason string) {
		if opts.OnReject != nil {
			opts.OnReject(reason)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="arbiter"`)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := presented(r)
			if !ok {
				reject(w, ReasonMissing)
				return
			}

			sum := sha256.Sum256([]byte(got))
			match := 0
			for i := range digests {
				match |= subtle.ConstantTimeCompare(sum[:], digests[i][:])
			}
			if match != 1 {
				reject(w, ReasonInvalid)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// presented extracts the caller's token. A malformed Authorization header
// counts as missing even when X-API-Key is set.
func presented(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return "", false
		}
		tok := auth[len("Bearer "):]
		return tok, tok != ""
	}
	tok := r.Header.Get("X-API-Key")
	return tok, tok != ""
}
