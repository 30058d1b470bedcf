package devbackend

import "errors"

var (
	// ErrTicketNotFound indicates the ticket was never issued or was already consumed.
	ErrTicketNotFound = errors.New("devbackend.ticket.not_found")
	// ErrTicketExpired indicates the ticket outlived its TTL before validation.
	ErrTicketExpired = errors.New("devbackend.ticket.expired")
	// ErrTicketServiceMismatch indicates the ticket was issued for another service URL.
	ErrTicketServiceMismatch = errors.New("devbackend.ticket.service_mismatch")

	// ErrSessionNotFound indicates no provider session matched the cookie.
	ErrSessionNotFound = errors.New("devbackend.session.not_found")
	// ErrSessionRevoked indicates the provider session was ended by logout.
	ErrSessionRevoked = errors.New("devbackend.session.revoked")
	// ErrSessionExpired indicates the provider session exceeded its lifetime.
	ErrSessionExpired = errors.New("devbackend.session.expired")
	// ErrSessionEmptyOpaque indicates an empty session cookie value.
	ErrSessionEmptyOpaque = errors.New("devbackend.session.empty_token")

	// ErrUserNotFound is returned when a user id is unknown.
	ErrUserNotFound = errors.New("devbackend.user.not_found")
	// ErrInvalidNetID is returned for blank or malformed campus identifiers.
	ErrInvalidNetID = errors.New("devbackend.user.invalid_netid")

	errEmptySubject = errors.New("jwt.mint.failure: subject must be non-empty")
)
