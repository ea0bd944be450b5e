package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"github.com/google/uuid"
)

var _ domain.LogRepository = (*Repository)(nil)

// dbLog represents a log entry as stored in the database.
type dbLog struct {
	ID         uuid.UUID      `db:"id"`          // Unique identifier for the log entry.
	Timestamp  time.Time      `db:"timestamp"`   // The time at which the log entry was created.
	Level      string         `db:"level"`       // The severity level of the log.
	Message    string         `db:"message"`     // The main content of the log message.
	Context    Metadata       `db:"context"`     // A map of additional key-value data for structured logging.
	ExchangeID sql.NullString `db:"exchange_id"` // An optional ID of an associated exchange.
	SessionID  sql.NullString `db:"session_id"`  // An optional ID of an associated session.
}

// toDomainLog converts a dbLog to a domain.Log.
func toDomainLog(dbLog *dbLog) *domain.Log {
	log := &domain.Log{
		ID:        dbLog.ID,
		Timestamp: dbLog.Timestamp,
		Level:     dbLog.Level,
		Message:   dbLog.Message,
		Context:   map[string]any(dbLog.Context),
	}
	if log.Context == nil {
		log.Context = make(map[string]any)
	}

	if dbLog.ExchangeID.Valid {
		if id, err := uuid.Parse(dbLog.ExchangeID.String); err == nil {
			log.ExchangeID = &id
		}
	}

	if dbLog.SessionID.Valid {
		if id, err := uuid.Parse(dbLog.SessionID.String); err == nil {
			log.SessionID = &id
		}
	}

	return log
}

// fromDomainLog converts a domain.Log to a dbLog.
func fromDomainLog(log *domain.Log) *dbLog {
	dbLog := &dbLog{
		ID:        log.ID,
		Timestamp: log.Timestamp.UTC(),
		Level:     log.Level,
		Message:   log.Message,
		Context:   Metadata(log.Context),
	}

	if log.ExchangeID != nil {
		dbLog.ExchangeID = sql.NullString{String: log.ExchangeID.String(), Valid: true}
	}

	if log.SessionID != nil {
		dbLog.SessionID = sql.NullString{String: log.SessionID.String(), Valid: true}
	}

	return dbLog
}

// InsertLog saves a new log entry to the database.
func (repo *Repository) InsertLog(log *domain.Log) error {
	query := `INSERT INTO logs (id, level, timestamp, message, context, exchange_id, session_id)
	          VALUES (:id, :level, :timestamp, :message, :context, :exchange_id, :session_id)`

	_, err := repo.dbConn.NamedExec(query, fromDomainLog(log))
	if err != nil {
		return fmt.Errorf("inserting log %s: %w", log.ID, err)
	}
	return nil
}

// GetLogs retrieves log entries, newest first. A limit of zero or less returns all of them.
func (repo *Repository) GetLogs(limit int) ([]*domain.Log, error) {
	query := `SELECT id, timestamp, level, message, context, exchange_id, session_id
	          FROM logs ORDER BY timestamp DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var dbLogs []*dbLog
	if err := repo.dbConn.Select(&dbLogs, query, args...); err != nil {
		return nil, fmt.Errorf("fetching logs: %w", err)
	}

	domainLogs := make([]*domain.Log, len(dbLogs))
	for i, dbLog := range dbLogs {
		domainLogs[i] = toDomainLog(dbLog)
	}
	return domainLogs, nil
}
