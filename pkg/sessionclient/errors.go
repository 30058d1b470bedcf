package sessionclient

import (
	"errors"
	"fmt"
)

// Sentinel errors exposed by the session client.
var (
	ErrMissingBackend           = errors.New("session.client.missing_backend")
	ErrMissingTokenStore        = errors.New("session.client.missing_token_store")
	ErrMissingNavigator         = errors.New("session.client.missing_navigator")
	ErrNetworkUnavailable       = errors.New("session.client.network_unavailable")
	ErrIdentityProviderRejected = errors.New("session.client.identity_provider_rejected")
	ErrProfileUnavailable       = errors.New("session.client.profile_unavailable")
	ErrTokenIssuanceFailed      = errors.New("session.client.token_issuance_failed")
	ErrMissingCredential        = errors.New("session.client.missing_credential")
	ErrLogoutPartial            = errors.New("session.client.logout_partial")
	ErrLoginUnavailable         = errors.New("session.client.login_unavailable")
	ErrNotAuthenticated         = errors.New("session.client.not_authenticated")
	ErrMalformedResponse        = errors.New("session.client.malformed_response")
	ErrMalformedTokenPair       = errors.New("session.client.malformed_token_pair")
	ErrInvalidCallbackURL       = errors.New("session.client.invalid_callback_url")
	ErrSessionClosed            = errors.New("session.client.closed")
)

// FailureReason names why a session ended up in the error state.
type FailureReason string

const (
	ReasonNone                     FailureReason = ""
	ReasonNetworkUnavailable       FailureReason = "network_unavailable"
	ReasonIdentityProviderRejected FailureReason = "identity_provider_rejected"
	ReasonProfileUnavailable       FailureReason = "profile_unavailable"
	ReasonTokenIssuanceFailed      FailureReason = "token_issuance_failed"
	ReasonMissingCredential        FailureReason = "missing_credential"
	ReasonLogoutPartial            FailureReason = "logout_partial"
)

// ReasonAuthenticationFailed is the callback outcome when the identity
// provider does not confirm the session after a redirect.
const ReasonAuthenticationFailed = ReasonIdentityProviderRejected

// Err returns the sentinel error matching the reason, or nil for ReasonNone.
func (reason FailureReason) Err() error {
	switch reason {
	case ReasonNetworkUnavailable:
		return ErrNetworkUnavailable
	case ReasonIdentityProviderRejected:
		return ErrIdentityProviderRejected
	case ReasonProfileUnavailable:
		return ErrProfileUnavailable
	case ReasonTokenIssuanceFailed:
		return ErrTokenIssuanceFailed
	case ReasonMissingCredential:
		return ErrMissingCredential
	case ReasonLogoutPartial:
		return ErrLogoutPartial
	default:
		return nil
	}
}

// UserMessage is the text a front-end shows for the reason.
func (reason FailureReason) UserMessage() string {
	switch reason {
	case ReasonMissingCredential, ReasonIdentityProviderRejected:
		return "Sign-in did not complete. Please try logging in again."
	case ReasonTokenIssuanceFailed:
		return "Authentication error, please log in again."
	case ReasonProfileUnavailable:
		return "We could not load your profile. Please log in again."
	case ReasonNetworkUnavailable:
		return "The service is unreachable. Check your connection and retry."
	case ReasonLogoutPartial:
		return "You have been signed out on this device."
	default:
		return ""
	}
}

// RetryLogin reports whether the front-end should offer a retry-to-login affordance.
func (reason FailureReason) RetryLogin() bool {
	switch reason {
	case ReasonMissingCredential, ReasonIdentityProviderRejected, ReasonProfileUnavailable, ReasonNetworkUnavailable:
		return true
	default:
		return false
	}
}

// StatusError is returned by the backend client for non-2xx responses.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (statusErr *StatusError) Error() string {
	return fmt.Sprintf("session.client.unexpected_status: %s returned %d", statusErr.Endpoint, statusErr.StatusCode)
}
