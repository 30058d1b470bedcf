package devbackend

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/campusauth/pkg/accessvalidator"
	"go.uber.org/zap"
)

const (
	contextKeyUserID       = "campus_user_id"
	contextKeySessionID    = "campus_session_id"
	contextKeyAccessClaims = "access_claims"
)

// RequireProviderSession resolves the provider session cookie and injects the
// user and session ids.
func RequireProviderSession(configuration ServerConfig, sessions ProviderSessionStore, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		userID, sessionID, ok := resolveProviderSession(contextGin, configuration, sessions)
		if !ok {
			logger.Debug("provider session missing or invalid",
				zap.String("code", "devbackend.session.unauthorized"),
				zap.String("path", contextGin.Request.URL.Path))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
			return
		}
		contextGin.Set(contextKeyUserID, userID)
		contextGin.Set(contextKeySessionID, sessionID)
		contextGin.Next()
	}
}

// newAccessValidator builds the bearer validator for tokens this backend mints.
func newAccessValidator(configuration ServerConfig, clock Clock) (*accessvalidator.Validator, error) {
	return accessvalidator.New(accessvalidator.Config{
		SigningKey: configuration.JWTSigningKey,
		Issuer:     configuration.JWTIssuer,
		Clock:      clock,
	})
}

func resolveProviderSession(contextGin *gin.Context, configuration ServerConfig, sessions ProviderSessionStore) (string, string, bool) {
	sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName)
	if cookieErr != nil || sessionCookie == nil || strings.TrimSpace(sessionCookie.Value) == "" {
		return "", "", false
	}
	userID, sessionID, _, validateErr := sessions.Validate(contextGin.Request.Context(), sessionCookie.Value)
	if validateErr != nil || userID == "" {
		return "", "", false
	}
	return userID, sessionID, true
}
