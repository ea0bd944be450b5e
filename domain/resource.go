package domain

import (
	"encoding/json"
	"fmt"
)

// Family names a backend resource collection. Client-side cache entries are grouped
// by family so that a write invalidates every cached read of the same collection.
type Family string

const (
	FamilyGroups        Family = "groups"
	FamilyEvents        Family = "events"
	FamilyAnnouncements Family = "announcements"
	FamilyPetitions     Family = "petitions"
	FamilyPolls         Family = "polls"
	FamilyNotifications Family = "notifications"
	FamilyTransport     Family = "transport"
	FamilyUsers         Family = "users"
)

// Resource is an entity owned by the backend. The gateway only needs its ID; the rest
// of the payload is kept as-is so that backend DTO changes do not break the front layer.
type Resource struct {
	ID     string
	Fields map[string]any
}

// UnmarshalJSON keeps the whole object in Fields and lifts the "id" field, which the
// backend emits either as a string or as a number.
func (resource *Resource) UnmarshalJSON(data []byte) error {
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decoding resource : %w", err)
	}
	resource.Fields = fields
	resource.ID = ""
	switch id := fields["id"].(type) {
	case string:
		resource.ID = id
	case float64:
		resource.ID = fmt.Sprintf("%.0f", id)
	}
	return nil
}

// MarshalJSON emits the original payload.
func (resource Resource) MarshalJSON() ([]byte, error) {
	if resource.Fields == nil {
		return json.Marshal(map[string]any{"id": resource.ID})
	}
	return json.Marshal(resource.Fields)
}

// String returns the string value of a payload field, or "" when absent.
func (resource Resource) String(field string) string {
	value, _ := resource.Fields[field].(string)
	return value
}

type (
	Group        = Resource
	Event        = Resource
	Announcement = Resource
	Petition     = Resource
	Poll         = Resource
	Notification = Resource
	User         = Resource
)

// Page is a paginated list as returned by the backend list endpoints.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// TransportRoute is a public transport line.
type TransportRoute struct {
	ID     string   `json:"id"`
	Number string   `json:"number"`
	Name   string   `json:"name"`
	Kind   string   `json:"type"`
	Stops  []string `json:"stops,omitempty"`
}

// VehiclePosition is one live sample of a vehicle on a route.
type VehiclePosition struct {
	VehicleID string  `json:"vehicle_id"`
	RouteID   string  `json:"route_id"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Heading   float64 `json:"heading,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}
