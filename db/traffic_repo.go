package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"github.com/google/uuid"
)

var _ domain.TrafficRepository = (*Repository)(nil)

// dbExchange represents a recorded exchange as stored in the database.
// Nullable columns use sql.Null* types; anonymous callers have no user_id.
type dbExchange struct {
	ID              uuid.UUID      `db:"id"`
	App             string         `db:"app"`
	Method          string         `db:"method"`
	Path            string         `db:"path"`
	UserID          sql.NullString `db:"user_id"`
	StatusCode      int            `db:"status_code"`
	StatusClass     string         `db:"status_class"`
	ContentType     sql.NullString `db:"content_type"`
	RequestPreview  sql.NullString `db:"request_preview"`
	ResponsePreview sql.NullString `db:"response_preview"`
	Error           sql.NullString `db:"error"`
	Metadata        Metadata       `db:"metadata"`
	RequestedAt     time.Time      `db:"requested_at"`
	RespondedAt     time.Time      `db:"responded_at"`
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func fromDomainExchange(exchange *domain.Exchange) *dbExchange {
	return &dbExchange{
		ID:              exchange.ID,
		App:             exchange.App,
		Method:          exchange.Method,
		Path:            exchange.Path,
		UserID:          nullString(exchange.UserID),
		StatusCode:      exchange.StatusCode,
		StatusClass:     StatusClass(exchange.StatusCode),
		ContentType:     nullString(exchange.ContentType),
		RequestPreview:  nullString(exchange.RequestPreview),
		ResponsePreview: nullString(exchange.ResponsePreview),
		Error:           nullString(exchange.Error),
		Metadata:        Metadata(exchange.Metadata),
		RequestedAt:     exchange.RequestedAt.UTC(),
		RespondedAt:     exchange.RespondedAt.UTC(),
	}
}

func toDomainExchange(row *dbExchange) *domain.Exchange {
	metadata := map[string]any(row.Metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &domain.Exchange{
		ID:              row.ID,
		App:             row.App,
		Method:          row.Method,
		Path:            row.Path,
		UserID:          row.UserID.String,
		StatusCode:      row.StatusCode,
		ContentType:     row.ContentType.String,
		RequestPreview:  row.RequestPreview.String,
		ResponsePreview: row.ResponsePreview.String,
		Error:           row.Error.String,
		Metadata:        metadata,
		RequestedAt:     row.RequestedAt,
		RespondedAt:     row.RespondedAt,
	}
}

// InsertExchange stores a completed exchange.
func (repo *Repository) InsertExchange(exchange *domain.Exchange) error {
	query := `INSERT INTO exchange (id, app, method, path, user_id, status_code, status_class, content_type,
	                                request_preview, response_preview, error, metadata, requested_at, responded_at)
	          VALUES (:id, :app, :method, :path, :user_id, :status_code, :status_class, :content_type,
	                  :request_preview, :response_preview, :error, :metadata, :requested_at, :responded_at)`

	_, err := repo.dbConn.NamedExec(query, fromDomainExchange(exchange))
	if err != nil {
		return fmt.Errorf("inserting exchange %s : %w", exchange.ID, err)
	}
	return nil
}

// GetExchange returns a single exchange including its previews.
func (repo *Repository) GetExchange(id uuid.UUID) (*domain.Exchange, error) {
	var row dbExchange
	err := repo.dbConn.Get(&row, `SELECT * FROM exchange WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("getting exchange %s: %w", id, domain.ErrExchangeNotFound)
		}
		return nil, fmt.Errorf("getting exchange %s: %w", id, err)
	}
	return toDomainExchange(&row), nil
}

// GetExchanges returns the most recent exchanges first, without previews.
// A limit of zero or less returns every exchange.
func (repo *Repository) GetExchanges(limit int) ([]*domain.Exchange, error) {
	query := `SELECT id, app, method, path, user_id, status_code, status_class, content_type, error,
	                 metadata, requested_at, responded_at
	          FROM exchange ORDER BY requested_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []*dbExchange
	if err := repo.dbConn.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("fetching exchanges: %w", err)
	}

	exchanges := make([]*domain.Exchange, len(rows))
	for i, row := range rows {
		exchanges[i] = toDomainExchange(row)
	}
	return exchanges, nil
}
