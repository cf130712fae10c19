package calendly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.calendly.com"

// EventStatusActive is the provider-side filter for non-cancelled events.
const EventStatusActive = "active"

// AuthError means the access token was rejected by the provider.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("calendly: credential rejected (status %d)", e.Status)
}

// UpstreamError is any other non-2xx response from the provider.
type UpstreamError struct {
	Status int
	Path   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("calendly: %s returned status %d", e.Path, e.Status)
}

// Account identifies the authenticated Calendly user.
type Account struct {
	URI             string `json:"uri"`
	OrganizationURI string `json:"current_organization"`
	Email           string `json:"email"`
	Name            string `json:"name"`
}

// Event is a scheduled event as the provider reports it. Fetched fresh every
// pass, never persisted verbatim.
type Event struct {
	URI       string    `json:"uri"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Invitee is a participant attached to an event.
type Invitee struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// Window bounds event listing by start time.
type Window struct {
	MinStart time.Time
	MaxStart time.Time
}

// Client is a read-only wrapper over the Calendly v2 API. It never mutates
// provider state; the provider stays the system of record for scheduling.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Option func(*Client)

// WithBaseURL overrides the API host, used by tests.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// CurrentUser looks up the account the token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (Account, error) {
	var out struct {
		Resource Account `json:"resource"`
	}
	if err := c.get(ctx, "/users/me", nil, &out); err != nil {
		return Account{}, err
	}
	return out.Resource, nil
}

// ListScheduledEvents returns all events in the organization whose start time
// falls inside the window, following provider pagination. Pass
// EventStatusActive to include future and past non-cancelled events.
func (c *Client) ListScheduledEvents(ctx context.Context, organizationURI string, w Window, status string) ([]Event, error) {
	params := url.Values{}
	params.Set("organization", organizationURI)
	params.Set("min_start_time", w.MinStart.UTC().Format(time.RFC3339))
	params.Set("max_start_time", w.MaxStart.UTC().Format(time.RFC3339))
	params.Set("count", "100")
	if status != "" {
		params.Set("status", status)
	}

	var events []Event
	for {
		var out struct {
			Collection []Event `json:"collection"`
			Pagination struct {
				NextPageToken string `json:"next_page_token"`
			} `json:"pagination"`
		}
		if err := c.get(ctx, "/scheduled_events", params, &out); err != nil {
			return nil, err
		}
		events = append(events, out.Collection...)
		if out.Pagination.NextPageToken == "" {
			return events, nil
		}
		params.Set("page_token", out.Pagination.NextPageToken)
	}
}

// ListInvitees returns the participants of one event. Callers treat a failure
// here as "no invitees" rather than aborting the pass.
func (c *Client) ListInvitees(ctx context.Context, eventURI string) ([]Invitee, error) {
	id := LastPathSegment(eventURI)
	if id == "" {
		return nil, fmt.Errorf("calendly: invalid event uri %q", eventURI)
	}
	var out struct {
		Collection []Invitee `json:"collection"`
	}
	if err := c.get(ctx, "/scheduled_events/"+id+"/invitees", nil, &out); err != nil {
		return nil, err
	}
	return out.Collection, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, v any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("calendly: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendly: %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &UpstreamError{Status: resp.StatusCode, Path: path}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("calendly: decode %s: %w", path, err)
	}
	return nil
}

// LastPathSegment extracts the trailing path element of a provider URI. It is
// the stable local key for an event.
func LastPathSegment(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return trimmed
	}
	return trimmed[i+1:]
}
