package ecity

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type exchangeView struct {
	ID              uuid.UUID      `json:"id"`
	App             string         `json:"app"`
	Method          string         `json:"method"`
	Path            string         `json:"path"`
	UserID          string         `json:"userId,omitempty"`
	StatusCode      int            `json:"statusCode"`
	ContentType     string         `json:"contentType,omitempty"`
	RequestPreview  string         `json:"requestPreview,omitempty"`
	ResponsePreview string         `json:"responsePreview,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	RequestedAt     time.Time      `json:"requestedAt"`
	RespondedAt     time.Time      `json:"respondedAt"`
	DurationMs      int64          `json:"durationMs"`
}

func newExchangeView(exchange *domain.Exchange) exchangeView {
	return exchangeView{
		ID:              exchange.ID,
		App:             exchange.App,
		Method:          exchange.Method,
		Path:            exchange.Path,
		UserID:          exchange.UserID,
		StatusCode:      exchange.StatusCode,
		ContentType:     exchange.ContentType,
		RequestPreview:  exchange.RequestPreview,
		ResponsePreview: exchange.ResponsePreview,
		Error:           exchange.Error,
		Metadata:        exchange.Metadata,
		RequestedAt:     exchange.RequestedAt,
		RespondedAt:     exchange.RespondedAt,
		DurationMs:      exchange.Duration().Milliseconds(),
	}
}

type logView struct {
	ID         uuid.UUID      `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	ExchangeID *uuid.UUID     `json:"exchangeId,omitempty"`
	SessionID  *uuid.UUID     `json:"sessionId,omitempty"`
}

type statsView struct {
	Exchanges        int            `json:"exchanges"`
	ByStatusClass    map[string]int `json:"byStatusClass"`
	UpstreamFailures int            `json:"upstreamFailures"`
	Sessions         int            `json:"sessions"`
}

// listLimit parses ?limit=, defaulting to 50 and capping at 500.
func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, maxListLimit), nil
}

func (gateway *Gateway) requireRepo(w http.ResponseWriter) bool {
	if gateway.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "Traffic recording is disabled")
		return false
	}
	return true
}

func (gateway *Gateway) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if !gateway.requireRepo(w) {
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exchanges, err := gateway.Repo.GetExchanges(limit)
	if err != nil {
		gateway.Logger.Error("listing exchanges", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	views := make([]exchangeView, 0, len(exchanges))
	for _, exchange := range exchanges {
		views = append(views, newExchangeView(exchange))
	}
	writeJSON(w, http.StatusOK, views)
}

func (gateway *Gateway) handleExchange(w http.ResponseWriter, r *http.Request) {
	if !gateway.requireRepo(w) {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid exchange id")
		return
	}
	exchange, err := gateway.Repo.GetExchange(id)
	if err != nil {
		if errors.Is(err, domain.ErrExchangeNotFound) {
			writeError(w, http.StatusNotFound, "Exchange not found")
			return
		}
		gateway.Logger.Error("loading exchange", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, newExchangeView(exchange))
}

func (gateway *Gateway) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !gateway.requireRepo(w) {
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := gateway.Repo.GetLogs(limit)
	if err != nil {
		gateway.Logger.Error("listing logs", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	views := make([]logView, 0, len(logs))
	for _, log := range logs {
		views = append(views, logView{
			ID:         log.ID,
			Timestamp:  log.Timestamp,
			Level:      log.Level,
			Message:    log.Message,
			Context:    log.Context,
			ExchangeID: log.ExchangeID,
			SessionID:  log.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (gateway *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !gateway.requireRepo(w) {
		return
	}
	var stats statsView
	var err error
	if stats.Exchanges, err = gateway.Repo.CountExchanges(); err == nil {
		if stats.ByStatusClass, err = gateway.Repo.CountExchangesByStatusClass(); err == nil {
			if stats.UpstreamFailures, err = gateway.Repo.CountUpstreamFailures(); err == nil {
				stats.Sessions, err = gateway.Repo.CountSessions()
			}
		}
	}
	if err != nil {
		gateway.Logger.Error("computing stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
