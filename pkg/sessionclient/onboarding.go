package sessionclient

import "strings"

// RequiresOnboarding reports whether the user must finish onboarding. Only an
// explicit false counts; an absent flag (legacy records) does not.
func RequiresOnboarding(user *User) bool {
	return user != nil && user.OnboardingCompleted != nil && !*user.OnboardingCompleted
}

// GuardPaths names the routes a guard redirects to.
type GuardPaths struct {
	Login      string
	Onboarding string
	Home       string
}

// DefaultGuardPaths are the routes used when GuardPaths fields are empty.
var DefaultGuardPaths = GuardPaths{Login: "/login", Onboarding: "/onboarding", Home: "/"}

// GuardRoute returns the path a route guard should redirect to for the
// requested path, or "" when the route may render. Nothing redirects while
// the session is still loading.
func GuardRoute(snapshot Snapshot, requestedPath string, paths GuardPaths) string {
	paths = paths.withDefaults()
	requestedPath = SanitizeReturnPath(requestedPath)
	onOnboarding := samePath(requestedPath, paths.Onboarding)
	switch {
	case snapshot.Loading():
		return ""
	case !snapshot.Authenticated():
		if samePath(requestedPath, paths.Login) {
			return ""
		}
		return paths.Login
	case RequiresOnboarding(snapshot.User) && !onOnboarding:
		return paths.Onboarding
	case !RequiresOnboarding(snapshot.User) && onOnboarding:
		return paths.Home
	default:
		return ""
	}
}

func (paths GuardPaths) withDefaults() GuardPaths {
	if paths.Login == "" {
		paths.Login = DefaultGuardPaths.Login
	}
	if paths.Onboarding == "" {
		paths.Onboarding = DefaultGuardPaths.Onboarding
	}
	if paths.Home == "" {
		paths.Home = DefaultGuardPaths.Home
	}
	return paths
}

func samePath(requestedPath string, route string) bool {
	if index := strings.IndexAny(requestedPath, "?#"); index >= 0 {
		requestedPath = requestedPath[:index]
	}
	return strings.TrimRight(requestedPath, "/") == strings.TrimRight(route, "/")
}
