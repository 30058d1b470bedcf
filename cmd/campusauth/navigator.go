package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tyemirov/campusauth/pkg/sessionclient"
)

const maxProviderRedirects = 10

// cliNavigator stands in for a browser. It prints the provider URL and, when
// a development netid is configured, submits the provider form and records
// the redirect back to the application callback.
type cliNavigator struct {
	out     io.Writer
	client  *http.Client
	netID   string
	appHost string

	mutex            sync.Mutex
	callbackLocation string
}

func newCLINavigator(out io.Writer, jar http.CookieJar, clientConfig ClientConfig) (*cliNavigator, error) {
	appURL, parseErr := url.Parse(clientConfig.AppBaseURL)
	if parseErr != nil || appURL.Host == "" {
		return nil, configError(configCodeInvalidAppBaseURL, "app_base_url must be an absolute http(s) URL")
	}
	navigator := &cliNavigator{
		out:     out,
		netID:   strings.TrimSpace(clientConfig.DevNetID),
		appHost: strings.ToLower(appURL.Host),
	}
	navigator.client = &http.Client{
		Jar:     jar,
		Timeout: clientConfig.HTTPTimeout,
		CheckRedirect: func(request *http.Request, via []*http.Request) error {
			if strings.EqualFold(request.URL.Host, navigator.appHost) {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxProviderRedirects {
				return fmt.Errorf("provider redirected more than %d times", maxProviderRedirects)
			}
			return nil
		},
	}
	return navigator, nil
}

var _ sessionclient.Navigator = (*cliNavigator)(nil)

// Navigate implements sessionclient.Navigator.
func (navigator *cliNavigator) Navigate(ctx context.Context, target string) error {
	if _, err := fmt.Fprintf(navigator.out, "Sign in at: %s\n", target); err != nil {
		return err
	}
	if navigator.netID == "" {
		return nil
	}
	location, err := navigator.submitProviderForm(ctx, target)
	if err != nil {
		return err
	}
	navigator.mutex.Lock()
	navigator.callbackLocation = location
	navigator.mutex.Unlock()
	return nil
}

// CallbackLocation returns the application callback URL reached by the last
// automated sign-in, or "" when the login was left to the user.
func (navigator *cliNavigator) CallbackLocation() string {
	navigator.mutex.Lock()
	defer navigator.mutex.Unlock()
	return navigator.callbackLocation
}

func (navigator *cliNavigator) submitProviderForm(ctx context.Context, target string) (string, error) {
	providerURL, parseErr := url.Parse(target)
	if parseErr != nil {
		return "", fmt.Errorf("cli.navigate: %w", parseErr)
	}
	query := providerURL.Query()
	query.Set("netid", navigator.netID)
	providerURL.RawQuery = query.Encode()

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, providerURL.String(), nil)
	if requestErr != nil {
		return "", fmt.Errorf("cli.navigate: %w", requestErr)
	}
	response, doErr := navigator.client.Do(request)
	if doErr != nil {
		return "", fmt.Errorf("cli.navigate: %w", doErr)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	location := response.Header.Get("Location")
	if response.StatusCode != http.StatusFound || location == "" {
		return "", fmt.Errorf("cli.navigate: provider answered %d without redirecting to the application", response.StatusCode)
	}
	callbackURL, locationErr := response.Request.URL.Parse(location)
	if locationErr != nil || !strings.EqualFold(callbackURL.Host, navigator.appHost) {
		return "", fmt.Errorf("cli.navigate: unexpected redirect %q", location)
	}
	return callbackURL.String(), nil
}
