package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GoogleClient implements Provider against a Google-Calendar-style REST
// API using per-operator refresh tokens.
type GoogleClient struct {
	apiBase      string
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
	creds        CredentialStore
}

type GoogleClientConfig struct {
	APIBase      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

func NewGoogleClient(cfg GoogleClientConfig, creds CredentialStore) *GoogleClient {
	return &GoogleClient{
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		client:       &http.Client{Timeout: 10 * time.Second},
		creds:        creds,
	}
}

// accessToken returns a usable token for the account, refreshing and
// persisting it when the stored one is missing or about to expire.
func (g *GoogleClient) accessToken(ctx context.Context, acct Account) (string, error) {
	if acct.AccessToken != "" && time.Until(acct.TokenExpiry) > 30*time.Second {
		return acct.AccessToken, nil
	}

	form := url.Values{
		"client_id":     {g.clientID},
		"client_secret": {g.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {acct.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return "", ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh token: status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	expiry := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := g.creds.SaveOperatorCredentials(ctx, acct.OperatorID, tok.AccessToken, expiry); err != nil {
		// The token still works for this call even if persisting failed.
		return tok.AccessToken, nil
	}

	return tok.AccessToken, nil
}

func (g *GoogleClient) do(ctx context.Context, acct Account, method, path string, body, out any) error {
	token, err := g.accessToken(ctx, acct)
	if err != nil {
		return err
	}

	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.apiBase+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrEventNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("calendar api: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode calendar response: %w", err)
		}
	}
	return nil
}

type eventResource struct {
	ID          string `json:"id,omitempty"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Start       struct {
		DateTime string `json:"dateTime"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
	} `json:"end"`
	Attendees []struct {
		Email string `json:"email"`
	} `json:"attendees,omitempty"`
}

func toEventResource(in EventInput) eventResource {
	var ev eventResource
	ev.Summary = in.Title
	ev.Description = in.Description
	ev.Start.DateTime = in.Start.Format(time.RFC3339)
	ev.End.DateTime = in.End.Format(time.RFC3339)
	if in.AttendeeEmail != "" {
		ev.Attendees = []struct {
			Email string `json:"email"`
		}{{Email: in.AttendeeEmail}}
	}
	return ev
}

func (g *GoogleClient) ListBusyIntervals(ctx context.Context, acct Account, from, to time.Time) ([]BusyInterval, error) {
	path := fmt.Sprintf("/calendars/%s/events?singleEvents=true&timeMin=%s&timeMax=%s",
		url.PathEscape(acct.CalendarID),
		url.QueryEscape(from.Format(time.RFC3339)),
		url.QueryEscape(to.Format(time.RFC3339)))

	var body struct {
		Items []eventResource `json:"items"`
	}
	if err := g.do(ctx, acct, http.MethodGet, path, nil, &body); err != nil {
		return nil, fmt.Errorf("list events for %s: %w", acct.CalendarID, err)
	}

	intervals := make([]BusyInterval, 0, len(body.Items))
	for _, item := range body.Items {
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			continue // all-day events carry no dateTime and block nothing
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			continue
		}
		intervals = append(intervals, BusyInterval{Start: start, End: end, Title: item.Summary})
	}

	return intervals, nil
}

func (g *GoogleClient) CreateEvent(ctx context.Context, acct Account, in EventInput) (string, error) {
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(acct.CalendarID))

	var created struct {
		ID string `json:"id"`
	}
	if err := g.do(ctx, acct, http.MethodPost, path, toEventResource(in), &created); err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	return created.ID, nil
}

func (g *GoogleClient) UpdateEvent(ctx context.Context, acct Account, eventID string, in EventInput) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(acct.CalendarID), url.PathEscape(eventID))
	if err := g.do(ctx, acct, http.MethodPatch, path, toEventResource(in), nil); err != nil {
		return fmt.Errorf("update event %s: %w", eventID, err)
	}
	return nil
}

func (g *GoogleClient) DeleteEvent(ctx context.Context, acct Account, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(acct.CalendarID), url.PathEscape(eventID))
	if err := g.do(ctx, acct, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}
