package sessionclient

import (
	"io"
	"net/http"
)

// BearerTransport attaches the application access token to outgoing
// requests. A 401 triggers one shared refresh and a single retry when the
// request body can be replayed.
type BearerTransport struct {
	Issuer *TokenIssuer
	Base   http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (transport *BearerTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	base := transport.Base
	if base == nil {
		base = http.DefaultTransport
	}
	accessToken, tokenErr := transport.Issuer.AccessToken(request.Context())
	if tokenErr != nil {
		return nil, tokenErr
	}
	response, err := base.RoundTrip(withBearer(request, accessToken))
	if err != nil || response.StatusCode != http.StatusUnauthorized {
		return response, err
	}
	if request.Body != nil && request.GetBody == nil {
		return response, nil
	}
	refreshed, refreshErr := transport.Issuer.Refresh(request.Context())
	if refreshErr != nil {
		return response, nil
	}
	retry := withBearer(request, refreshed.Access)
	if request.GetBody != nil {
		body, bodyErr := request.GetBody()
		if bodyErr != nil {
			return response, nil
		}
		retry.Body = body
	}
	_, _ = io.Copy(io.Discard, response.Body)
	_ = response.Body.Close()
	return base.RoundTrip(retry)
}

func withBearer(request *http.Request, accessToken string) *http.Request {
	clone := request.Clone(request.Context())
	clone.Header.Set("Authorization", "Bearer "+accessToken)
	return clone
}
