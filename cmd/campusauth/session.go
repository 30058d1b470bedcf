package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/campusauth/pkg/sessionclient"
	"go.uber.org/zap"
)

const (
	configCodeMissingBackendURL       = "config.missing_backend_url"
	configCodeInvalidBackendURL       = "config.invalid_backend_url"
	configCodeInvalidAppBaseURL       = "config.invalid_app_base_url"
	configCodeInvalidHTTPTimeout      = "config.invalid_http_timeout"
	configCodeUninitializedClientConf = "config.uninitialized_client_config"
	configCodeTokenStoreInit          = "config.token_store_init"
)

const clientConfigContextKey contextKey = "clientConfig"

// ClientConfig holds the settings of the session subcommands.
type ClientConfig struct {
	BackendURL      string
	AppBaseURL      string
	CallbackPath    string
	OnboardingPath  string
	TokenStoreURL   string
	TokenStorageKey string
	HTTPTimeout     time.Duration
	RefreshSkew     time.Duration
	DevNetID        string
}

func newSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:               "session",
		Short:             "Drive a campus session against a backend",
		PersistentPreRunE: prepareClientConfig,
	}

	flags := sessionCmd.PersistentFlags()
	flags.String("backend_url", "http://localhost:8080", "Backend origin serving /api/cas/*")
	flags.String("app_base_url", "http://localhost:3000", "Application origin used to build the callback URL")
	flags.String("callback_path", sessionclient.DefaultCallbackPath, "Callback route on the application origin")
	flags.String("onboarding_path", sessionclient.DefaultOnboardingPath, "Onboarding route on the application origin")
	flags.String("token_store_url", "sqlite://.campusauth.db", "Token and cookie store (sqlite://, postgres://, or empty for in-memory)")
	flags.String("token_storage_key", sessionclient.DefaultTokenStorageKey, "Key holding the token pair")
	flags.Duration("http_timeout", 15*time.Second, "Timeout of each backend request")
	flags.Duration("refresh_skew", time.Minute, "Refresh access tokens this long before they expire")
	flags.String("dev_netid", "", "Complete the development provider's login form with this netid")

	bindFlags(sessionCmd,
		"backend_url", "app_base_url", "callback_path", "onboarding_path",
		"token_store_url", "token_storage_key", "http_timeout", "refresh_skew",
		"dev_netid",
	)

	sessionCmd.AddCommand(
		newSessionStatusCommand(),
		newSessionLoginCommand(),
		newSessionCallbackCommand(),
		newSessionOnboardCommand(),
		newSessionTokenCommand(),
		newSessionLogoutCommand(),
		newSessionGuardCommand(),
	)
	return sessionCmd
}

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	clientConfig, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, clientConfigContextKey, clientConfig))
	return nil
}

// LoadClientConfig reads and validates the session subcommand settings.
func LoadClientConfig() (ClientConfig, error) {
	backendURL := viper.GetString("backend_url")
	if backendURL == "" {
		return ClientConfig{}, configError(configCodeMissingBackendURL, "backend_url must be provided")
	}
	if !isAbsoluteURL(backendURL) {
		return ClientConfig{}, configError(configCodeInvalidBackendURL, "backend_url must be an absolute http(s) URL")
	}
	appBaseURL := viper.GetString("app_base_url")
	if !isAbsoluteURL(appBaseURL) {
		return ClientConfig{}, configError(configCodeInvalidAppBaseURL, "app_base_url must be an absolute http(s) URL")
	}
	httpTimeout := viper.GetDuration("http_timeout")
	if httpTimeout <= 0 {
		return ClientConfig{}, configError(configCodeInvalidHTTPTimeout, "http_timeout must be greater than zero")
	}
	return ClientConfig{
		BackendURL:      backendURL,
		AppBaseURL:      appBaseURL,
		CallbackPath:    viper.GetString("callback_path"),
		OnboardingPath:  viper.GetString("onboarding_path"),
		TokenStoreURL:   viper.GetString("token_store_url"),
		TokenStorageKey: viper.GetString("token_storage_key"),
		HTTPTimeout:     httpTimeout,
		RefreshSkew:     viper.GetDuration("refresh_skew"),
		DevNetID:        viper.GetString("dev_netid"),
	}, nil
}

func isAbsoluteURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

type sessionRuntime struct {
	manager   *sessionclient.Manager
	navigator *cliNavigator
	metrics   *sessionclient.CounterMetrics
	logger    *zap.Logger
	out       io.Writer
}

// withSession builds a manager for one subcommand invocation and closes it
// when action returns.
func withSession(action func(ctx context.Context, runtime *sessionRuntime, arguments []string) error) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, arguments []string) error {
		ctx := command.Context()
		var contextValue any
		if ctx != nil {
			contextValue = ctx.Value(clientConfigContextKey)
		}
		clientConfig, ok := contextValue.(ClientConfig)
		if !ok {
			return configError(configCodeUninitializedClientConf, "client configuration not prepared; PersistentPreRunE must execute before RunE")
		}

		logger, loggerErr := zap.NewDevelopment()
		if loggerErr != nil {
			return loggerErr
		}
		defer func() { _ = logger.Sync() }()

		runtime, runtimeErr := newSessionRuntime(ctx, clientConfig, command.OutOrStdout(), logger)
		if runtimeErr != nil {
			return runtimeErr
		}
		defer runtime.manager.Close()
		actionErr := action(ctx, runtime, arguments)
		logger.Debug("session events", zap.Any("counts", runtime.metrics.Snapshot()))
		return actionErr
	}
}

func newSessionRuntime(ctx context.Context, clientConfig ClientConfig, out io.Writer, logger *zap.Logger) (*sessionRuntime, error) {
	store, driver, storeErr := sessionclient.OpenKeyValueStore(ctx, clientConfig.TokenStoreURL)
	if storeErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeTokenStoreInit, storeErr)
	}
	logger.Debug("session store ready", zap.String("driver", driver))

	jar, jarErr := sessionclient.NewPersistentCookieJar(ctx, clientConfig.BackendURL, store, logger)
	if jarErr != nil {
		return nil, jarErr
	}
	httpClient := &http.Client{Jar: jar, Timeout: clientConfig.HTTPTimeout}
	backend, backendErr := sessionclient.NewHTTPBackend(sessionclient.HTTPBackendConfig{
		BaseURL:    clientConfig.BackendURL,
		HTTPClient: httpClient,
	})
	if backendErr != nil {
		return nil, backendErr
	}

	navigator, navigatorErr := newCLINavigator(out, jar, clientConfig)
	if navigatorErr != nil {
		return nil, navigatorErr
	}
	metrics := sessionclient.NewCounterMetrics()
	manager, managerErr := sessionclient.NewManager(sessionclient.ManagerConfig{
		Backend:        backend,
		Tokens:         sessionclient.NewTokenStore(store, clientConfig.TokenStorageKey),
		Navigator:      navigator,
		AppBaseURL:     clientConfig.AppBaseURL,
		CallbackPath:   clientConfig.CallbackPath,
		OnboardingPath: clientConfig.OnboardingPath,
		RefreshSkew:    clientConfig.RefreshSkew,
		Logger:         logger,
		Metrics:        metrics,
	})
	if managerErr != nil {
		return nil, managerErr
	}
	return &sessionRuntime{manager: manager, navigator: navigator, metrics: metrics, logger: logger, out: out}, nil
}

func newSessionStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the provider session and print the resulting state",
		Args:  cobra.NoArgs,
		RunE: withSession(func(ctx context.Context, runtime *sessionRuntime, arguments []string) error {
			return writeJSON(runtime.out, runtime.manager.Initialize(ctx))
		}),
	}
}

func newSessionLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login [return_path]",
		Short: "Start a provider login; with --dev_netid the callback is resolved immediately",
		Args:  cobra.MaximumNArgs(1),
		RunE: withSession(func(ctx context.Context, runtime *sessionRuntime, arguments []string) error {
			returnPath := "/"
			if len(arguments) == 1 {
				returnPath = arguments[0]
			}
			if err := runtime.manager.BeginLogin(ctx, returnPath); err != nil {
				return err
			}
			callbackURL := runtime.navigator.CallbackLocation()
			if callbackURL == "" {
				return nil
			}
			return resolveCallback(ctx, runtime, callbackURL)
		}),
	}
}

func newSessionCallbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "callback <url>",
		Short: "Resolve the provider's redirect back to the application",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, runtime *sessionRuntime, arguments []string) error {
			return resolveCallback(ctx, runtime, arguments[0])
		}),
	}
}

type callbackReport struct {
	Destination string                 `json:"destination"`
	Failure     string                 `json:"failure,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Snapshot    sessionclient.Snapshot `json:"session"`
}

func resolveCallback(ctx context.Context, runtime *sessionRuntime, callbackURL string) error {
	outcome := runtime.manager.HandleCallback(ctx, callbackURL)
	report := callbackReport{
		Destination: outcome.Destination,
		Snapshot:    runtime.manager.Snapshot(),
	}
	if !outcome.Succeeded() {
		report.Failure = string(outcome.Failure)
		report.Message = outcome.Failure.UserMessage()
	}
	if err := writeJSON(runtime.out, report); err != nil {
		return err
	}
	if !outcome.Succeeded() {
		return fmt.Errorf("session.callback: %w", outcome.Failure.Err())
	}
	return nil
}

func newSessionOnboardCommand() *cobra.Command {
	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Submit the onboarding form for the signed-in user",
		Args:  cobra.NoArgs,
	}
	onboardCmd.Flags().String("display_name", "", "Display name (required)")
	onboardCmd.Flags().String("gender", "", "Gender")
	onboardCmd.Flags().String("major", "", "Major")
	onboardCmd.Flags().String("grade", "", "Grade")
	onboardCmd.Flags().String("bio", "", "Short bio")
	onboardCmd.Flags().StringSlice("interests", nil, "Interests")
	_ = onboardCmd.MarkFlagRequired("display_name")

	onboardCmd.RunE = withSession(func(ctx context.Context, runtime *sessionRuntime, arguments []string) error {
		flags := onboardCmd.Flags()
		form := sessionclient.OnboardingForm{}
		form.DisplayName, _ = flags.GetString("display_name")
		form.Gender, _ = flags.GetString("gender")
		form.Major, _ = flags.GetString("major")
		form.Grade, _ = flags.GetString("grade")
		form.Bio, _ = flags.GetString("bio")
		form.Interests, _ = flags.GetStringSlice("interests")

		runtime.manager.Initialize(ctx)
		snapshot, err := runtime.manager.CompleteOnboarding(ctx, form)
		if err != nil {
			return err
		}
		return writeJSON(runtime.out, snapshot)
	})
	return onboardCmd
}

func newSessionTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer access token, refreshing it when close to expiry",
		Args:  cobra.NoArgs,
	}
	tokenCmd.Flags().Bool("refresh", false, "Force a refresh through the backend")

	tokenCmd.RunE = withSession(func(ctx context.Context, runtime *sessionRuntime, arguments []string) error {
		forceRefresh, _ := tokenCmd.Flags().GetBool("refresh")
		if forceRefresh {
			tokens, err := runtime.manager.RefreshTokens(ctx)
			if err != nil {
				return err
			}
			return writeJSON(runtime.out, tokens)
		}
		snapshot := runtime.manager.Initialize(ctx)
		if !snapshot.Authenticated() {
			return writeJSON(runtime.out, snapshot)
		}
		accessToken, err := runtime.manager.AccessToken(ctx)
		if err != nil {
			return err
		}
		_, writeErr := fmt.Fprintln(runtime.out, accessToken)
		return writeErr
	})
	return tokenCmd
}

func newSessionLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session locally and at the provider",
		Args:  cobra.NoArgs,
		RunE: withSession(func(ctx context.Context, runtime *sessionRuntime, arguments []string) error {
			logoutURL, logoutErr := runtime.manager.Logout(ctx)
			if logoutErr != nil && !errors.Is(logoutErr, sessionclient.ErrLogoutPartial) {
				return logoutErr
			}
			if writeErr := writeJSON(runtime.out, map[string]any{
				"logout_url": logoutURL,
				"partial":    logoutErr != nil,
			}); writeErr != nil {
				return writeErr
			}
			return logoutErr
		}),
	}
}

func newSessionGuardCommand() *cobra.Command {
	guardCmd := &cobra.Command{
		Use:   "guard <path>",
		Short: "Print where a route guard would send a request for path",
		Args:  cobra.ExactArgs(1),
	}
	guardCmd.Flags().String("login_path", sessionclient.DefaultGuardPaths.Login, "Login route")
	guardCmd.Flags().String("home_path", sessionclient.DefaultGuardPaths.Home, "Home route")

	guardCmd.RunE = withSession(func(ctx context.Context, runtime *sessionRuntime, arguments []string) error {
		loginPath, _ := guardCmd.Flags().GetString("login_path")
		homePath, _ := guardCmd.Flags().GetString("home_path")
		snapshot := runtime.manager.Initialize(ctx)
		redirect := sessionclient.GuardRoute(snapshot, arguments[0], sessionclient.GuardPaths{
			Login:      loginPath,
			Onboarding: viper.GetString("onboarding_path"),
			Home:       homePath,
		})
		return writeJSON(runtime.out, map[string]any{
			"path":     arguments[0],
			"state":    snapshot.State,
			"redirect": redirect,
		})
	})
	return guardCmd
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
