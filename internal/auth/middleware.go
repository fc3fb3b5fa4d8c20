package auth

import (
	"crypto/subtle"
	"net/http"
)

// Middleware wraps next so that every request must carry
// "Authorization: Bearer <token>" matching the configured shared secret
// (spec §6.1's single bearer-token authenticated surface). Comparison is
// constant-time for equal-length tokens, so response time does not leak
// how much of a prefix matched (a token of a different length is rejected
// without a byte-by-byte compare), mirroring the teacher's token-hash
// comparisons in internal/auth even though there is only one secret here
// rather than one per user.
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := ExtractBearerToken(r.Header.Get("Authorization"))
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"authentication required"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
