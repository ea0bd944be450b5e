package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"github.com/google/uuid"
)

var _ domain.SessionRepository = (*Repository)(nil)

// dbSession represents a session as stored in the database.
type dbSession struct {
	ID          uuid.UUID  `db:"id"`
	UserID      string     `db:"user_id"`
	Email       string     `db:"email"`
	Name        string     `db:"name"`
	Permissions StringList `db:"permissions"`
	AccessToken string     `db:"access_token"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
}

func toDomainSession(dbSession *dbSession) *domain.Session {
	permissions := make([]domain.Permission, len(dbSession.Permissions))
	for i, permission := range dbSession.Permissions {
		permissions[i] = domain.Permission(permission)
	}
	return &domain.Session{
		ID: dbSession.ID,
		Identity: domain.Identity{
			UserID:      dbSession.UserID,
			Email:       dbSession.Email,
			Name:        dbSession.Name,
			Permissions: permissions,
		},
		AccessToken: dbSession.AccessToken,
		CreatedAt:   dbSession.CreatedAt,
		ExpiresAt:   dbSession.ExpiresAt,
	}
}

func fromDomainSession(session *domain.Session) *dbSession {
	permissions := make(StringList, len(session.Identity.Permissions))
	for i, permission := range session.Identity.Permissions {
		permissions[i] = string(permission)
	}
	return &dbSession{
		ID:          session.ID,
		UserID:      session.Identity.UserID,
		Email:       session.Identity.Email,
		Name:        session.Identity.Name,
		Permissions: permissions,
		AccessToken: session.AccessToken,
		CreatedAt:   session.CreatedAt.UTC(),
		ExpiresAt:   session.ExpiresAt.UTC(),
	}
}

// CreateSession stores a new session.
func (repo *Repository) CreateSession(session *domain.Session) error {
	query := `INSERT INTO session (id, user_id, email, name, permissions, access_token, created_at, expires_at)
	          VALUES (:id, :user_id, :email, :name, :permissions, :access_token, :created_at, :expires_at)`

	_, err := repo.dbConn.NamedExec(query, fromDomainSession(session))
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession returns the session with the given ID.
func (repo *Repository) GetSession(id uuid.UUID) (*domain.Session, error) {
	var row dbSession
	query := `SELECT id, user_id, email, name, permissions, access_token, created_at, expires_at
	          FROM session WHERE id = ?`

	err := repo.dbConn.Get(&row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("getting session %s: %w", id, domain.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return toDomainSession(&row), nil
}

// DeleteSession removes a session.
func (repo *Repository) DeleteSession(id uuid.UUID) error {
	result, err := repo.dbConn.Exec(`DELETE FROM session WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking deletion rows affected for %s: %w", id, err)
	}

	if rowsAffected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// DeleteExpiredSessions removes every session whose expiry is not after now.
func (repo *Repository) DeleteExpiredSessions(now time.Time) (int, error) {
	result, err := repo.dbConn.Exec(`DELETE FROM session WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking expired session rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

// CountSessions returns the number of stored sessions.
func (repo *Repository) CountSessions() (int, error) {
	var count int
	if err := repo.dbConn.Get(&count, `SELECT COUNT(*) FROM session`); err != nil {
		return 0, fmt.Errorf("getting session count: %w", err)
	}
	return count, nil
}
