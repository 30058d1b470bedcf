package devbackend

import (
	"testing"
	"time"

	"github.com/tyemirov/campusauth/pkg/accessvalidator"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

func TestMintAccessTokenRejectsEmptySubject(t *testing.T) {
	t.Parallel()

	_, _, err := MintAccessToken(fixedClock{timestamp: time.Unix(1700000000, 0)}, "", "abc123", "issuer", []byte("signing-key"), time.Minute)
	if err == nil {
		t.Fatalf("expected error when user ID is empty")
	}
	expected := "jwt.mint.failure: subject must be non-empty"
	if err.Error() != expected {
		t.Fatalf("expected error %q, got %q", expected, err.Error())
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	clock := fixedClock{timestamp: reference}
	token, expiresAt, err := MintAccessToken(clock, "user-123", "abc123", "issuer", []byte("signing-key"), 2*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !expiresAt.Equal(reference.Add(2 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}
	validator, err := newAccessValidator(ServerConfig{JWTIssuer: "issuer", JWTSigningKey: []byte("signing-key")}, clock)
	if err != nil {
		t.Fatalf("validator error: %v", err)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if claims.UserID != "user-123" || claims.NetID != "abc123" {
		t.Fatalf("unexpected claims %#v", claims)
	}
}

func TestAccessTokenRejections(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	token, _, err := MintAccessToken(fixedClock{timestamp: reference}, "user-123", "abc123", "issuer", []byte("signing-key"), time.Minute)
	if err != nil {
		t.Fatalf("mint error: %v", err)
	}
	cases := map[string]struct {
		issuer string
		key    []byte
		now    time.Time
	}{
		"wrong issuer": {issuer: "other", key: []byte("signing-key"), now: reference},
		"wrong key":    {issuer: "issuer", key: []byte("other-key"), now: reference},
		"expired":      {issuer: "issuer", key: []byte("signing-key"), now: reference.Add(time.Hour)},
	}
	for name, testCase := range cases {
		validator, err := accessvalidator.New(accessvalidator.Config{
			SigningKey: testCase.key,
			Issuer:     testCase.issuer,
			Clock:      fixedClock{timestamp: testCase.now},
		})
		if err != nil {
			t.Fatalf("%s: validator error: %v", name, err)
		}
		if _, err := validator.ValidateToken(token); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}
