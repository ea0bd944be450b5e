package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ecity-hub/ecity/domain"
)

// entityPath is "{family}/{id}[/{action}]" with the id escaped.
func entityPath(family domain.Family, id string, action ...string) string {
	p := string(family) + "/" + escapeID(id)
	for _, segment := range action {
		p += "/" + segment
	}
	return p
}

func requireID(family domain.Family, id string) error {
	if id == "" {
		return fmt.Errorf("%s id is empty", family)
	}
	return nil
}

// create posts to the family collection.
func (c *Client) create(ctx context.Context, family domain.Family, body any) (*domain.Resource, error) {
	out := &domain.Resource{}
	if err := c.write(ctx, family, http.MethodPost, string(family), body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// mutate writes to one entity, optionally to an action below it.
func (c *Client) mutate(ctx context.Context, family domain.Family, method, id string, body any, action ...string) (*domain.Resource, error) {
	if err := requireID(family, id); err != nil {
		return nil, err
	}
	out := &domain.Resource{}
	if err := c.write(ctx, family, method, entityPath(family, id, action...), body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GroupsService covers community groups.
type GroupsService struct{ client *Client }

func (s *GroupsService) List(ctx context.Context, opts *ListOptions) (*domain.Page[domain.Group], error) {
	return list[domain.Group](ctx, s.client, domain.FamilyGroups, string(domain.FamilyGroups), opts, false)
}

func (s *GroupsService) Get(ctx context.Context, id string) (*domain.Group, error) {
	return one[domain.Group](ctx, s.client, domain.FamilyGroups, id, false)
}

func (s *GroupsService) Create(ctx context.Context, input any) (*domain.Group, error) {
	return s.client.create(ctx, domain.FamilyGroups, input)
}

func (s *GroupsService) Update(ctx context.Context, id string, input any) (*domain.Group, error) {
	return s.client.mutate(ctx, domain.FamilyGroups, http.MethodPatch, id, input)
}

func (s *GroupsService) Join(ctx context.Context, id string) (*domain.Group, error) {
	return s.client.mutate(ctx, domain.FamilyGroups, http.MethodPost, id, nil, "join")
}

func (s *GroupsService) Leave(ctx context.Context, id string) (*domain.Group, error) {
	return s.client.mutate(ctx, domain.FamilyGroups, http.MethodPost, id, nil, "leave")
}

func (s *GroupsService) Delete(ctx context.Context, id string) error {
	_, err := s.client.mutate(ctx, domain.FamilyGroups, http.MethodDelete, id, nil)
	return err
}

// EventsService covers city events.
type EventsService struct{ client *Client }

func (s *EventsService) List(ctx context.Context, opts *ListOptions) (*domain.Page[domain.Event], error) {
	return list[domain.Event](ctx, s.client, domain.FamilyEvents, string(domain.FamilyEvents), opts, false)
}

func (s *EventsService) Get(ctx context.Context, id string) (*domain.Event, error) {
	return one[domain.Event](ctx, s.client, domain.FamilyEvents, id, false)
}

func (s *EventsService) Create(ctx context.Context, input any) (*domain.Event, error) {
	return s.client.create(ctx, domain.FamilyEvents, input)
}

func (s *EventsService) Update(ctx context.Context, id string, input any) (*domain.Event, error) {
	return s.client.mutate(ctx, domain.FamilyEvents, http.MethodPatch, id, input)
}

// Register signs the caller up for the event.
func (s *EventsService) Register(ctx context.Context, id string) (*domain.Event, error) {
	return s.client.mutate(ctx, domain.FamilyEvents, http.MethodPost, id, nil, "register")
}

func (s *EventsService) Delete(ctx context.Context, id string) error {
	_, err := s.client.mutate(ctx, domain.FamilyEvents, http.MethodDelete, id, nil)
	return err
}

// AnnouncementsService covers announcements. Reads are public.
type AnnouncementsService struct{ client *Client }

// ModerationDecision is the admin verdict on an announcement.
type ModerationDecision struct {
	Status string `json:"status"` // "approved" or "rejected"
	Reason string `json:"reason,omitempty"`
}

func (s *AnnouncementsService) List(ctx context.Context, opts *ListOptions) (*domain.Page[domain.Announcement], error) {
	return list[domain.Announcement](ctx, s.client, domain.FamilyAnnouncements, string(domain.FamilyAnnouncements), opts, true)
}

func (s *AnnouncementsService) Get(ctx context.Context, id string) (*domain.Announcement, error) {
	return one[domain.Announcement](ctx, s.client, domain.FamilyAnnouncements, id, true)
}

func (s *AnnouncementsService) Create(ctx context.Context, input any) (*domain.Announcement, error) {
	return s.client.create(ctx, domain.FamilyAnnouncements, input)
}

func (s *AnnouncementsService) Update(ctx context.Context, id string, input any) (*domain.Announcement, error) {
	return s.client.mutate(ctx, domain.FamilyAnnouncements, http.MethodPatch, id, input)
}

func (s *AnnouncementsService) Delete(ctx context.Context, id string) error {
	_, err := s.client.mutate(ctx, domain.FamilyAnnouncements, http.MethodDelete, id, nil)
	return err
}

// Moderate approves or rejects an announcement.
func (s *AnnouncementsService) Moderate(ctx context.Context, id string, decision ModerationDecision) (*domain.Announcement, error) {
	if decision.Status != "approved" && decision.Status != "rejected" {
		return nil, fmt.Errorf("moderation status %q should be either approved or rejected", decision.Status)
	}
	return s.client.mutate(ctx, domain.FamilyAnnouncements, http.MethodPost, id, decision, "moderate")
}

// PetitionsService covers petitions.
type PetitionsService struct{ client *Client }

func (s *PetitionsService) List(ctx context.Context, opts *ListOptions) (*domain.Page[domain.Petition], error) {
	return list[domain.Petition](ctx, s.client, domain.FamilyPetitions, string(domain.FamilyPetitions), opts, false)
}

func (s *PetitionsService) Get(ctx context.Context, id string) (*domain.Petition, error) {
	return one[domain.Petition](ctx, s.client, domain.FamilyPetitions, id, false)
}

func (s *PetitionsService) Create(ctx context.Context, input any) (*domain.Petition, error) {
	return s.client.create(ctx, domain.FamilyPetitions, input)
}

// Sign adds the caller's signature.
func (s *PetitionsService) Sign(ctx context.Context, id string) (*domain.Petition, error) {
	return s.client.mutate(ctx, domain.FamilyPetitions, http.MethodPost, id, nil, "sign")
}

func (s *PetitionsService) Delete(ctx context.Context, id string) error {
	_, err := s.client.mutate(ctx, domain.FamilyPetitions, http.MethodDelete, id, nil)
	return err
}

// PollsService covers polls.
type PollsService struct{ client *Client }

func (s *PollsService) List(ctx context.Context, opts *ListOptions) (*domain.Page[domain.Poll], error) {
	return list[domain.Poll](ctx, s.client, domain.FamilyPolls, string(domain.FamilyPolls), opts, false)
}

func (s *PollsService) Get(ctx context.Context, id string) (*domain.Poll, error) {
	return one[domain.Poll](ctx, s.client, domain.FamilyPolls, id, false)
}

func (s *PollsService) Create(ctx context.Context, input any) (*domain.Poll, error) {
	return s.client.create(ctx, domain.FamilyPolls, input)
}

// Vote casts the caller's choice.
func (s *PollsService) Vote(ctx context.Context, id string, optionIDs ...string) (*domain.Poll, error) {
	if len(optionIDs) == 0 {
		return nil, fmt.Errorf("vote on poll %s needs at least one option", id)
	}
	body := map[string][]string{"option_ids": optionIDs}
	return s.client.mutate(ctx, domain.FamilyPolls, http.MethodPost, id, body, "vote")
}

func (s *PollsService) Delete(ctx context.Context, id string) error {
	_, err := s.client.mutate(ctx, domain.FamilyPolls, http.MethodDelete, id, nil)
	return err
}

// NotificationsService covers the caller's notifications.
type NotificationsService struct{ client *Client }

func (s *NotificationsService) List(ctx context.Context, opts *ListOptions) (*domain.Page[domain.Notification], error) {
	return list[domain.Notification](ctx, s.client, domain.FamilyNotifications, string(domain.FamilyNotifications), opts, false)
}

func (s *NotificationsService) MarkRead(ctx context.Context, id string) (*domain.Notification, error) {
	return s.client.mutate(ctx, domain.FamilyNotifications, http.MethodPatch, id, nil, "read")
}

func (s *NotificationsService) MarkAllRead(ctx context.Context) error {
	return s.client.write(ctx, domain.FamilyNotifications, http.MethodPost, string(domain.FamilyNotifications)+"/read-all", nil, nil)
}

func (s *NotificationsService) Delete(ctx context.Context, id string) error {
	_, err := s.client.mutate(ctx, domain.FamilyNotifications, http.MethodDelete, id, nil)
	return err
}

// TransportService covers public transport. Every read is public.
type TransportService struct{ client *Client }

func (s *TransportService) Routes(ctx context.Context) ([]domain.TransportRoute, error) {
	var raw json.RawMessage
	err := s.client.get(ctx, read{
		family: domain.FamilyTransport,
		key:    "routes",
		path:   "transport/routes",
		public: true,
	}, &raw)
	if err != nil {
		return nil, err
	}
	page, err := decodePage[domain.TransportRoute](raw, nil)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (s *TransportService) Route(ctx context.Context, id string) (*domain.TransportRoute, error) {
	if err := requireID(domain.FamilyTransport, id); err != nil {
		return nil, err
	}
	route := &domain.TransportRoute{}
	err := s.client.get(ctx, read{
		family: domain.FamilyTransport,
		key:    "routes/" + id,
		path:   "transport/routes/" + escapeID(id),
		public: true,
	}, route)
	if err != nil {
		return nil, err
	}
	return route, nil
}

// Vehicles returns the live positions on a route. fresh skips the cache, which the
// tracking poller does on every tick.
func (s *TransportService) Vehicles(ctx context.Context, routeID string, fresh bool) ([]domain.VehiclePosition, error) {
	if err := requireID(domain.FamilyTransport, routeID); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	err := s.client.get(ctx, read{
		family: domain.FamilyTransport,
		key:    "routes/" + routeID + "/vehicles",
		path:   "transport/routes/" + escapeID(routeID) + "/vehicles",
		public: true,
		fresh:  fresh,
	}, &raw)
	if err != nil {
		return nil, err
	}
	page, err := decodePage[domain.VehiclePosition](raw, nil)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// UsersService covers the caller's own profile.
type UsersService struct{ client *Client }

func (s *UsersService) Me(ctx context.Context) (*domain.User, error) {
	user := &domain.User{}
	err := s.client.get(ctx, read{
		family: domain.FamilyUsers,
		key:    "me",
		path:   "users/me",
	}, user)
	if err != nil {
		return nil, err
	}
	return user, nil
}
