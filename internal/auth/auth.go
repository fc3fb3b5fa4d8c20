// Package auth implements the control plane's single-shared-secret
// bearer-token check (spec §6.1). The teacher's auth package covers a
// full dashboard identity system — sessions, OIDC, WebAuthn, TOTP,
// per-user API tokens, CSRF; none of that applies here, since dashboard
// authentication is explicitly out of scope (spec §1) and the only
// surface this pool manager protects is a single bearer secret shared by
// every caller of the authenticated endpoints in §6.1.
package auth

import "strings"

// ExtractBearerToken extracts a bearer token from the Authorization
// header. Returns the empty string if the header is absent or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
