package domain

// StatsRepository returns aggregate counts for the gateway status endpoint.
type StatsRepository interface {
	// CountExchanges returns the total number of recorded exchanges.
	CountExchanges() (int, error)
	// CountExchangesByStatusClass returns counts keyed by "2xx", "4xx", "5xx", ...
	CountExchangesByStatusClass() (map[string]int, error)
	// CountUpstreamFailures returns the number of exchanges where the backend could not be reached.
	CountUpstreamFailures() (int, error)
}

// Repository groups every repository the gateway needs.
type Repository interface {
	SessionRepository
	TrafficRepository
	LogRepository
	StatsRepository
	Close() error
}
