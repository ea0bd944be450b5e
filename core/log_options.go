// Package core provides fundamental utilities for the e-City gateway.
// This file contains option functions for customizing log entries.
package core

import (
	"github.com/ecity-hub/ecity/domain"
	"github.com/google/uuid"
)

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithExchangeID is an option to associate a log entry with a proxied exchange.
func LogWithExchangeID(id uuid.UUID) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.ExchangeID = &id
		return nil
	}
}

// LogWithSessionID is an option to associate a log entry with an auth-bridge session.
func LogWithSessionID(id uuid.UUID) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.SessionID = &id
		return nil
	}
}
