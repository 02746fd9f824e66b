package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// BaseURL is the Strava REST API root.
const BaseURL = "https://www.strava.com/api/v3"

// MaxPerPage is the largest page Strava serves for activity listings.
const MaxPerPage = 200

// APIError carries a non-200 Strava response.
type APIError struct {
	StatusCode int
	Body       string
}

func (apiErr *APIError) Error() string {
	return fmt.Sprintf("strava.api_error: status %d: %s", apiErr.StatusCode, apiErr.Body)
}

// ListOptions bounds an activity listing; zero times are omitted.
type ListOptions struct {
	Limit  int
	After  time.Time
	Before time.Time
}

// Client is a Strava API client bound to one athlete's access token.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	baseURL     string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another API root, such as a test server.
func WithBaseURL(baseURL string) ClientOption {
	return func(client *Client) {
		client.baseURL = baseURL
	}
}

// WithRateLimiter shares a limiter between clients of the same application.
func WithRateLimiter(limiter *RateLimiter) ClientOption {
	return func(client *Client) {
		if limiter != nil {
			client.rateLimiter = limiter
		}
	}
}

// NewClient creates a client that authorizes requests through tokenSource.
func NewClient(ctx context.Context, tokenSource oauth2.TokenSource, options ...ClientOption) *Client {
	client := &Client{
		httpClient:  oauth2.NewClient(ctx, tokenSource),
		rateLimiter: NewRateLimiter(),
		baseURL:     BaseURL,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// NewClientForToken creates a client for a fixed access token.
func NewClientForToken(ctx context.Context, accessToken string, options ...ClientOption) *Client {
	return NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}), options...)
}

// ListActivities returns up to options.Limit summary activities, newest first.
func (client *Client) ListActivities(ctx context.Context, options ListOptions) ([]Activity, error) {
	limit := options.Limit
	if limit <= 0 {
		limit = 30
	}
	perPage := limit
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	var collected []Activity
	for page := 1; len(collected) < limit; page++ {
		params := url.Values{}
		if !options.After.IsZero() {
			params.Set("after", strconv.FormatInt(options.After.Unix(), 10))
		}
		if !options.Before.IsZero() {
			params.Set("before", strconv.FormatInt(options.Before.Unix(), 10))
		}
		params.Set("page", strconv.Itoa(page))
		params.Set("per_page", strconv.Itoa(perPage))

		var batch []Activity
		if err := client.getJSON(ctx, "/athlete/activities", params, &batch); err != nil {
			return collected, fmt.Errorf("strava.list_activities: page %d: %w", page, err)
		}
		collected = append(collected, batch...)
		if len(batch) < perPage {
			break
		}
	}
	if len(collected) > limit {
		collected = collected[:limit]
	}
	return collected, nil
}

// GetActivity returns the detailed representation of one activity.
func (client *Client) GetActivity(ctx context.Context, activityID int64) (Activity, error) {
	params := url.Values{}
	params.Set("include_all_efforts", "false")
	var activity Activity
	if err := client.getJSON(ctx, fmt.Sprintf("/activities/%d", activityID), params, &activity); err != nil {
		return nil, fmt.Errorf("strava.get_activity: %d: %w", activityID, err)
	}
	return activity, nil
}

// GetAthlete returns the authenticated athlete.
func (client *Client) GetAthlete(ctx context.Context) (Athlete, error) {
	var athlete Athlete
	if err := client.getJSON(ctx, "/athlete", nil, &athlete); err != nil {
		return Athlete{}, fmt.Errorf("strava.get_athlete: %w", err)
	}
	return athlete, nil
}

// RateLimitStatus returns the remaining short and daily requests.
func (client *Client) RateLimitStatus() (shortRemaining, dailyRemaining int) {
	return client.rateLimiter.Status()
}

func (client *Client) getJSON(ctx context.Context, path string, params url.Values, target any) error {
	if err := client.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	requestURL := client.baseURL + path
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()

	client.rateLimiter.UpdateFromHeaders(response.Header)

	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("reading response: %w", readErr)
	}
	if response.StatusCode != http.StatusOK {
		return &APIError{StatusCode: response.StatusCode, Body: string(body)}
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
