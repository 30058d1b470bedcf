package devbackend

import (
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Simulated campus provider paths.
const (
	PathProviderLogin  = "/cas/login"
	PathProviderLogout = "/cas/logout"
)

var providerLoginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><title>Campus sign-in</title></head>
<body>
<form method="get" action="{{.Action}}">
<input type="hidden" name="service" value="{{.Service}}">
<label>NetID <input name="netid" autofocus></label>
<button type="submit">Sign in</button>
</form>
</body></html>
`))

var providerLogoutPage = []byte(`<!doctype html>
<html><head><title>Signed out</title></head><body><p>You have been signed out of campus sign-in.</p></body></html>
`)

// mountProvider registers the simulated provider. It trusts the NetID the
// browser submits, so it is only meant for development.
func mountProvider(router gin.IRouter, handlers *routeHandlers) {
	var limiter *rate.Limiter
	if perMinute := handlers.configuration.TicketRatePerMinute; perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}

	router.GET(PathProviderLogin, func(contextGin *gin.Context) {
		serviceURL := strings.TrimSpace(contextGin.Query("service"))
		service, parseErr := parseAbsoluteURL(serviceURL)
		if parseErr != nil || !strings.HasPrefix(serviceURL, handlers.configuration.PublicBaseURL+PathCASVerify+"?") {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unregistered_service"})
			return
		}
		netID := strings.TrimSpace(contextGin.Query("netid"))
		if netID == "" {
			contextGin.Header("Content-Type", "text/html; charset=utf-8")
			contextGin.Status(http.StatusOK)
			_ = providerLoginPage.Execute(contextGin.Writer, struct {
				Action  string
				Service string
			}{Action: PathProviderLogin, Service: serviceURL})
			return
		}
		normalized, netIDErr := NormalizeNetID(netID)
		if netIDErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_netid"})
			return
		}
		if limiter != nil && !limiter.Allow() {
			handlers.logger.Warn("ticket issuance throttled",
				zap.String("code", "devbackend.ticket.throttled"))
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		ticket, issueErr := handlers.tickets.Issue(contextGin.Request.Context(), normalized, serviceURL)
		if issueErr != nil {
			handlers.logger.Error("ticket not issued",
				zap.String("code", "devbackend.ticket.issue_failed"),
				zap.Error(issueErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Redirect(http.StatusFound, withQuery(service, map[string]string{"ticket": ticket}))
	})

	router.GET(PathProviderLogout, func(contextGin *gin.Context) {
		contextGin.Data(http.StatusOK, "text/html; charset=utf-8", providerLogoutPage)
	})
}
