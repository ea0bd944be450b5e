package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Permission is a named capability granted to a user by the backend, such as
// "moderate_announcements".
type Permission string

const (
	// PermissionModerateAnnouncements is the capability the admin panel requires by default.
	PermissionModerateAnnouncements Permission = "moderate_announcements"
	// PermissionViewTraffic allows reading the gateway's recorded exchanges and logs.
	PermissionViewTraffic Permission = "view_traffic"
)

// Identity is the caller as resolved from the backend. The gateway never edits it.
type Identity struct {
	UserID      string       `json:"id"`
	Email       string       `json:"email,omitempty"`
	Name        string       `json:"name,omitempty"`
	Permissions []Permission `json:"permissions"`
}

// HasPermission reports whether the identity carries the given capability.
func (identity *Identity) HasPermission(permission Permission) bool {
	if identity == nil {
		return false
	}
	return slices.Contains(identity.Permissions, permission)
}

// SessionRepository persists gateway sessions created by the auth bridge.
type SessionRepository interface {
	// CreateSession stores a new session. The session ID must be unique.
	CreateSession(session *Session) error

	// GetSession returns the session with the given ID, or an error wrapping
	// ErrSessionNotFound.
	GetSession(id uuid.UUID) (*Session, error)

	// DeleteSession removes a session. Deleting an unknown session returns ErrSessionNotFound.
	DeleteSession(id uuid.UUID) error

	// DeleteExpiredSessions removes every session that expired before now and returns the count.
	DeleteExpiredSessions(now time.Time) (int, error)

	// CountSessions returns the number of stored sessions, expired or not.
	CountSessions() (int, error)
}

// Session binds a browser cookie to the access token issued by the identity provider.
type Session struct {
	ID          uuid.UUID
	Identity    Identity
	AccessToken string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the session is no longer usable at now.
func (session *Session) Expired(now time.Time) bool {
	return !now.Before(session.ExpiresAt)
}
