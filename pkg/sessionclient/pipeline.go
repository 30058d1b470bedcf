package sessionclient

import "context"

// The session is established in four steps that depend on the backend's
// cookie state left by the previous one: status, profile, token, gate. Each
// step is a method on the previous step's result, so the order cannot be
// rearranged by a caller.

type verifiedIdentity struct {
	status IdentityStatus
}

type profiledIdentity struct {
	user *User
}

type establishedSession struct {
	user   *User
	tokens *TokenPair
}

func verifyIdentity(ctx context.Context, statuses *IdentityStatusClient) (verifiedIdentity, bool) {
	status := statuses.CheckStatus(ctx)
	if !status.Authenticated {
		return verifiedIdentity{status: status}, false
	}
	return verifiedIdentity{status: status}, true
}

func (identity verifiedIdentity) loadProfile(ctx context.Context, profiles *ProfileClient) (profiledIdentity, bool) {
	user := profiles.LoadProfile(ctx)
	if user == nil {
		return profiledIdentity{}, false
	}
	return profiledIdentity{user: user}, true
}

func (profiled profiledIdentity) issueTokens(ctx context.Context, issuer *TokenIssuer) (establishedSession, error) {
	tokens, err := issuer.EnsureIssued(ctx, profiled.user.ID)
	if err != nil {
		return establishedSession{}, err
	}
	return establishedSession{user: profiled.user, tokens: tokens}, nil
}

func (session establishedSession) requiresOnboarding() bool {
	return RequiresOnboarding(session.user)
}
