package devbackend

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/campusauth/pkg/accessvalidator"
)

// MintAccessToken creates a signed HS256 access token for the user.
func MintAccessToken(clock Clock, userID string, netID string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errEmptySubject
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessvalidator.Claims{
		UserID: userID,
		NetID:  netID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	return signed, expiresAt, err
}
