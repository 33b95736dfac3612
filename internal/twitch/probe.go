package twitch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nicklaw5/helix/v2"
)

// DefaultPassportURL serves Twitch's public username availability check
const DefaultPassportURL = "https://passport.twitch.tv"

// Prober checks whether a Twitch channel exists
type Prober interface {
	Exists(ctx context.Context, channel string) (bool, error)
}

// HelixProber looks channels up through the Helix users endpoint
type HelixProber struct {
	client *helix.Client
}

// NewHelixProber creates a prober authenticated with an app access token.
// An empty baseURL uses the public Helix API.
func NewHelixProber(clientID, appAccessToken, baseURL string) (*HelixProber, error) {
	opts := &helix.Options{
		ClientID:       clientID,
		AppAccessToken: appAccessToken,
		HTTPClient:     &http.Client{Timeout: 10 * time.Second},
	}
	if baseURL != "" {
		opts.APIBaseURL = strings.TrimRight(baseURL, "/")
	}

	client, err := helix.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}
	return &HelixProber{client: client}, nil
}

// Exists reports whether a user with the channel's login exists
func (p *HelixProber) Exists(ctx context.Context, channel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	resp, err := p.client.GetUsers(&helix.UsersParams{Logins: []string{channel}})
	if err != nil {
		return false, fmt.Errorf("helix get users: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		// malformed logins are rejected outright
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("helix get users: status %d: %s", resp.StatusCode, resp.ErrorMessage)
	}

	for _, user := range resp.Data.Users {
		if strings.EqualFold(user.Login, channel) {
			return true, nil
		}
	}
	return false, nil
}

// PassportProber uses the unauthenticated username availability endpoint.
// 200 means the name is taken, 204 means it is free.
type PassportProber struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewPassportProber creates a prober against baseURL, or the public endpoint when empty
func NewPassportProber(baseURL string) *PassportProber {
	if baseURL == "" {
		baseURL = DefaultPassportURL
	}
	return &PassportProber{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Exists reports whether the channel name is registered
func (p *PassportProber) Exists(ctx context.Context, channel string) (bool, error) {
	endpoint := fmt.Sprintf("%s/usernames/%s", p.BaseURL, url.PathEscape(channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to probe username: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNoContent, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
}
