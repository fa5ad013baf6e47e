package tokens

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryLeeway refreshes tokens slightly before their actual expiry so an
// outbound request doesn't race the server clock.
const expiryLeeway = 30 * time.Second

// Expired inspects the access token's exp claim without verifying the
// signature (the backend verifies; we only need the timestamp to refresh
// proactively). Tokens that aren't JWTs or carry no exp claim are treated as
// unexpired; the dispatcher still recovers via the 401 path.
func Expired(accessToken string, now time.Time) bool {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(accessToken, claims)
	if err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.Add(expiryLeeway).After(exp.Time)
}
