package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/campusauth/internal/devbackend"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

const (
	configCodeMissingPublicBaseURL    = "config.missing_public_base_url"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidProviderTTL      = "config.invalid_provider_session_ttl"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeSessionStoreInit        = "config.session_store_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the development backend with a simulated campus provider",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	serveCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("public_base_url", "http://localhost:8080", "Externally reachable origin of this server")
	serveCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	serveCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	serveCmd.Flags().Duration("provider_session_ttl", 12*time.Hour, "Provider session cookie TTL")
	serveCmd.Flags().Duration("ticket_ttl", 2*time.Minute, "Service ticket lifetime")
	serveCmd.Flags().Int("ticket_rate_per_minute", 60, "Service tickets issued per minute; 0 disables throttling")
	serveCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	serveCmd.Flags().String("database_url", "", "Database URL for provider sessions (postgres:// or sqlite://; leave empty for in-memory store)")
	serveCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	serveCmd.Flags().String("campus_email_domain", "", "Domain used to derive new users' email addresses")
	serveCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin front-ends (sets SameSite=None cookies)")
	serveCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	bindFlags(serveCmd,
		"listen_addr", "public_base_url", "jwt_signing_key", "access_ttl",
		"provider_session_ttl", "ticket_ttl", "ticket_rate_per_minute",
		"dev_insecure_http", "database_url", "cookie_domain",
		"campus_email_domain", "enable_cors", "cors_allowed_origins",
	)
	return serveCmd
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// LoadServerConfig reads and validates the development backend settings.
func LoadServerConfig() (devbackend.ServerConfig, error) {
	publicBaseURL := viper.GetString("public_base_url")
	if publicBaseURL == "" {
		return devbackend.ServerConfig{}, configError(configCodeMissingPublicBaseURL, "public_base_url must be provided")
	}
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return devbackend.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return devbackend.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	providerSessionTTL := viper.GetDuration("provider_session_ttl")
	if providerSessionTTL <= 0 {
		return devbackend.ServerConfig{}, configError(configCodeInvalidProviderTTL, "provider_session_ttl must be greater than zero")
	}
	if viper.GetBool("enable_cors") && len(viper.GetStringSlice("cors_allowed_origins")) == 0 {
		return devbackend.ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	ticketTTL := 2 * time.Minute
	if configuredTicketTTL := viper.GetDuration("ticket_ttl"); configuredTicketTTL > 0 {
		ticketTTL = configuredTicketTTL
	}

	return devbackend.ServerConfig{
		PublicBaseURL:       publicBaseURL,
		JWTSigningKey:       []byte(jwtSigningKey),
		JWTIssuer:           devbackend.DefaultJWTIssuer,
		CookieDomain:        viper.GetString("cookie_domain"),
		SessionCookieName:   devbackend.DefaultSessionCookieName,
		AccessTTL:           accessTTL,
		ProviderSessionTTL:  providerSessionTTL,
		TicketTTL:           ticketTTL,
		TicketRatePerMinute: viper.GetInt("ticket_rate_per_minute"),
		AllowInsecureHTTP:   viper.GetBool("dev_insecure_http"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(devbackend.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	serverConfig.SameSiteMode = http.SameSiteLaxMode
	if enableCORS {
		corsMiddleware, corsErr := devbackend.ConfigureCORS(logger, viper.GetStringSlice("cors_allowed_origins"))
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	sessions, driver, storeErr := devbackend.OpenProviderSessionStore(commandContext, databaseURL, nil)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeSessionStoreInit, storeErr)
	}
	logger.Info("provider session store ready", zap.String("driver", driver))

	mountErr := devbackend.MountRoutes(router, serverConfig, devbackend.Dependencies{
		Users:    devbackend.NewInMemoryUsers(viper.GetString("campus_email_domain")),
		Sessions: sessions,
		Tickets:  devbackend.NewMemoryTicketStore(serverConfig.TicketTTL, nil),
		Logger:   logger,
	})
	if mountErr != nil {
		return mountErr
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalContext, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-signalContext.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.String("public_base_url", serverConfig.PublicBaseURL))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
