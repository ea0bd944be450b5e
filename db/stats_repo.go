package db

import (
	"fmt"

	"github.com/ecity-hub/ecity/domain"
)

var _ domain.StatsRepository = (*Repository)(nil)

// StatusClass maps a status code to its class label ("2xx", "4xx", ...).
func StatusClass(statusCode int) string {
	if statusCode < 100 || statusCode > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", statusCode/100)
}

// CountExchanges returns the total number of recorded exchanges.
func (repo *Repository) CountExchanges() (int, error) {
	var count int
	if err := repo.dbConn.Get(&count, `SELECT COUNT(*) FROM exchange`); err != nil {
		return 0, fmt.Errorf("getting exchange count: %w", err)
	}
	return count, nil
}

// CountExchangesByStatusClass returns the number of exchanges per status class.
func (repo *Repository) CountExchangesByStatusClass() (map[string]int, error) {
	var rows []struct {
		StatusClass string `db:"status_class"`
		Count       int    `db:"count"`
	}
	query := `SELECT status_class, COUNT(*) AS count FROM exchange GROUP BY status_class`
	if err := repo.dbConn.Select(&rows, query); err != nil {
		return nil, fmt.Errorf("getting exchange counts by status class: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.StatusClass] = row.Count
	}
	return counts, nil
}

// CountUpstreamFailures returns the number of exchanges that never reached the backend.
func (repo *Repository) CountUpstreamFailures() (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM exchange WHERE json_extract(metadata, '$.upstream_failed') = true`
	if err := repo.dbConn.Get(&count, query); err != nil {
		return 0, fmt.Errorf("getting upstream failure count: %w", err)
	}
	return count, nil
}
