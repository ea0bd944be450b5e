package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogRepository persists gateway log entries.
type LogRepository interface {
	// InsertLog saves a new log entry to the repository.
	InsertLog(log *Log) error
	// GetLogs retrieves log entries, newest first, up to limit (0 means no limit).
	GetLogs(limit int) ([]*Log, error)
}

// Log represents a single gateway event worth keeping beyond the process output.
type Log struct {
	ID         uuid.UUID      // Unique identifier for the log entry.
	Timestamp  time.Time      // The time at which the log entry was created.
	Level      string         // DEBUG, INFO, WARN or ERROR.
	Message    string         // The main content of the log message.
	Context    map[string]any // Additional key-value data.
	ExchangeID *uuid.UUID     // An optional ID of an associated proxied exchange.
	SessionID  *uuid.UUID     // An optional ID of an associated session.
}
