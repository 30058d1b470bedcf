package devbackend

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/campusauth/pkg/accessvalidator"
	"go.uber.org/zap"
)

// Backend paths served by MountRoutes.
const (
	PathCASStatus          = "/api/cas/status"
	PathCASLogin           = "/api/cas/login"
	PathCASVerify          = "/api/cas/verify"
	PathCASLogout          = "/api/cas/logout"
	PathCurrentUser        = "/api/users/me"
	PathCompleteOnboarding = "/api/users/complete-onboarding"
	PathTokenRefresh       = "/api/token/refresh"
	PathWhoAmI             = "/api/session/whoami"
)

var (
	errMissingPublicBaseURL = errors.New("devbackend.config.missing_public_base_url")
	errMissingSigningKey    = errors.New("devbackend.config.missing_jwt_signing_key")
	errMissingStore         = errors.New("devbackend.config.missing_store")
)

// Dependencies are the stores the routes operate on.
type Dependencies struct {
	Users    UserStore
	Sessions ProviderSessionStore
	Tickets  TicketStore
	Clock    Clock
	Logger   *zap.Logger
}

type routeHandlers struct {
	configuration ServerConfig
	users         UserStore
	sessions      ProviderSessionStore
	tickets       TicketStore
	clock         Clock
	logger        *zap.Logger
}

// MountRoutes registers the session backend endpoints and the simulated
// campus provider under /cas.
func MountRoutes(router gin.IRouter, configuration ServerConfig, dependencies Dependencies) error {
	configuration = configuration.withDefaults()
	if _, parseErr := parseAbsoluteURL(configuration.PublicBaseURL); parseErr != nil {
		return errMissingPublicBaseURL
	}
	if len(configuration.JWTSigningKey) == 0 {
		return errMissingSigningKey
	}
	if dependencies.Users == nil || dependencies.Sessions == nil || dependencies.Tickets == nil {
		return errMissingStore
	}
	handlers := &routeHandlers{
		configuration: configuration,
		users:         dependencies.Users,
		sessions:      dependencies.Sessions,
		tickets:       dependencies.Tickets,
		clock:         dependencies.Clock,
		logger:        dependencies.Logger,
	}
	if handlers.clock == nil {
		handlers.clock = NewSystemClock()
	}
	if handlers.logger == nil {
		handlers.logger = zap.NewNop()
	}
	bearerValidator, validatorErr := newAccessValidator(configuration, handlers.clock)
	if validatorErr != nil {
		return validatorErr
	}

	router.GET(PathCASStatus, handlers.handleStatus)
	router.GET(PathCASLogin, handlers.handleLoginURL)
	router.GET(PathCASVerify, handlers.handleVerify)
	router.GET(PathCASLogout, handlers.handleLogout)

	requireSession := RequireProviderSession(configuration, handlers.sessions, handlers.logger)
	router.GET(PathCurrentUser, requireSession, handlers.handleCurrentUser)
	router.POST(PathCompleteOnboarding, requireSession, handlers.handleCompleteOnboarding)
	router.POST(PathTokenRefresh, requireSession, handlers.handleTokenRefresh)
	router.GET(PathWhoAmI, bearerValidator.GinMiddleware(contextKeyAccessClaims), handlers.handleWhoAmI)

	mountProvider(router, handlers)
	return nil
}

func (handlers *routeHandlers) handleStatus(contextGin *gin.Context) {
	_, _, authenticated := resolveProviderSession(contextGin, handlers.configuration, handlers.sessions)
	contextGin.JSON(http.StatusOK, gin.H{"authenticated": authenticated})
}

func (handlers *routeHandlers) handleLoginURL(contextGin *gin.Context) {
	callbackURL := strings.TrimSpace(contextGin.Query("callback_url"))
	if _, parseErr := parseAbsoluteURL(callbackURL); parseErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_callback_url"})
		return
	}
	serviceURL := handlers.serviceURL(callbackURL)
	contextGin.JSON(http.StatusOK, gin.H{
		"login_url": handlers.configuration.PublicBaseURL + PathProviderLogin + "?" + url.Values{"service": []string{serviceURL}}.Encode(),
	})
}

func (handlers *routeHandlers) handleVerify(contextGin *gin.Context) {
	callbackURL := strings.TrimSpace(contextGin.Query("callback_url"))
	callback, parseErr := parseAbsoluteURL(callbackURL)
	if parseErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_callback_url"})
		return
	}
	if !handlers.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
		return
	}
	ticket := strings.TrimSpace(contextGin.Query("ticket"))
	netID, consumeErr := handlers.tickets.Consume(contextGin.Request.Context(), ticket, handlers.serviceURL(callbackURL))
	if consumeErr != nil {
		handlers.logger.Warn("service ticket rejected",
			zap.String("code", "devbackend.ticket.rejected"),
			zap.Error(consumeErr))
		contextGin.Redirect(http.StatusFound, withQuery(callback, map[string]string{"error": "ticket_rejected"}))
		return
	}
	user, created, upsertErr := handlers.users.UpsertCampusUser(contextGin.Request.Context(), netID)
	if upsertErr != nil {
		handlers.logger.Error("user upsert failed",
			zap.String("code", "devbackend.user.upsert_failed"),
			zap.Error(upsertErr))
		contextGin.Redirect(http.StatusFound, withQuery(callback, map[string]string{"error": "user_unavailable"}))
		return
	}
	expiresAt := handlers.clock.Now().Add(handlers.configuration.ProviderSessionTTL)
	_, opaque, issueErr := handlers.sessions.Issue(contextGin.Request.Context(), user.ID, expiresAt.Unix())
	if issueErr != nil {
		handlers.logger.Error("provider session not issued",
			zap.String("code", "devbackend.session.issue_failed"),
			zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	writeSessionCookie(contextGin, handlers.configuration, opaque, expiresAt)
	handlers.logger.Info("campus login verified",
		zap.String("code", "devbackend.login.verified"),
		zap.String("user_id", user.ID),
		zap.Bool("created", created))

	parameters := map[string]string{"cas_success": "true"}
	if !user.OnboardingCompleted {
		parameters["needs_onboarding"] = "true"
	}
	contextGin.Redirect(http.StatusFound, withQuery(callback, parameters))
}

func (handlers *routeHandlers) handleLogout(contextGin *gin.Context) {
	if _, sessionID, ok := resolveProviderSession(contextGin, handlers.configuration, handlers.sessions); ok {
		if revokeErr := handlers.sessions.Revoke(contextGin.Request.Context(), sessionID); revokeErr != nil {
			handlers.logger.Error("provider session not revoked",
				zap.String("code", "devbackend.session.revoke_failed"),
				zap.Error(revokeErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
	}
	clearCookie(contextGin, handlers.configuration)
	contextGin.JSON(http.StatusOK, gin.H{"logout_url": handlers.configuration.PublicBaseURL + PathProviderLogout})
}

func (handlers *routeHandlers) handleCurrentUser(contextGin *gin.Context) {
	user, ok := handlers.sessionUser(contextGin)
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, user)
}

func (handlers *routeHandlers) handleCompleteOnboarding(contextGin *gin.Context) {
	var submission OnboardingSubmission
	if err := contextGin.ShouldBindJSON(&submission); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if strings.TrimSpace(submission.DisplayName) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "display_name_required"})
		return
	}
	userID := contextGin.GetString(contextKeyUserID)
	updated, updateErr := handlers.users.CompleteOnboarding(contextGin.Request.Context(), userID, submission)
	if updateErr != nil {
		handlers.respondUserError(contextGin, userID, updateErr)
		return
	}
	contextGin.JSON(http.StatusOK, updated)
}

func (handlers *routeHandlers) handleTokenRefresh(contextGin *gin.Context) {
	user, ok := handlers.sessionUser(contextGin)
	if !ok {
		return
	}
	accessToken, expiresAt, mintErr := MintAccessToken(handlers.clock, user.ID, user.NetID, handlers.configuration.JWTIssuer, handlers.configuration.JWTSigningKey, handlers.configuration.AccessTTL)
	if mintErr != nil {
		handlers.logger.Error("access token not minted",
			zap.String("code", "devbackend.token.mint_failed"),
			zap.Error(mintErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	refreshToken, randomErr := generateOpaque()
	if randomErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"access":     accessToken,
		"refresh":    refreshToken,
		"issued_at":  handlers.clock.Now().UTC().Format(time.RFC3339),
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (handlers *routeHandlers) handleWhoAmI(contextGin *gin.Context) {
	claims, ok := accessvalidator.ClaimsFromContext(contextGin, contextKeyAccessClaims)
	if !ok {
		handlers.logger.Warn("missing access claims on context",
			zap.String("code", "devbackend.whoami.missing_claims"))
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"user_id": claims.GetUserID(),
		"net_id":  claims.GetNetID(),
		"expires": claims.GetExpiresAt(),
	})
}

func (handlers *routeHandlers) sessionUser(contextGin *gin.Context) (UserRecord, bool) {
	userID := contextGin.GetString(contextKeyUserID)
	user, err := handlers.users.GetUser(contextGin.Request.Context(), userID)
	if err != nil {
		handlers.respondUserError(contextGin, userID, err)
		return UserRecord{}, false
	}
	return user, true
}

func (handlers *routeHandlers) respondUserError(contextGin *gin.Context, userID string, err error) {
	if errors.Is(err, ErrUserNotFound) {
		handlers.logger.Warn("user missing for session",
			zap.String("code", "devbackend.user.missing"),
			zap.String("user_id", userID))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
		return
	}
	handlers.logger.Error("user lookup error",
		zap.String("code", "devbackend.user.lookup_failed"),
		zap.String("user_id", userID),
		zap.Error(err))
	contextGin.AbortWithStatus(http.StatusInternalServerError)
}

// serviceURL is the verify address registered with the provider for callbackURL.
func (handlers *routeHandlers) serviceURL(callbackURL string) string {
	return handlers.configuration.PublicBaseURL + PathCASVerify + "?" + url.Values{"callback_url": []string{callbackURL}}.Encode()
}

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, opaque string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    opaque,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if (scheme != "http" && scheme != "https") || parsed.Host == "" {
		return nil, errors.New("devbackend.url.not_absolute")
	}
	return parsed, nil
}

func withQuery(target *url.URL, parameters map[string]string) string {
	clone := *target
	query := clone.Query()
	for key, value := range parameters {
		query.Set(key, value)
	}
	clone.RawQuery = query.Encode()
	return clone.String()
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
