package strava

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// AuthURL is Strava's OAuth authorization endpoint.
	AuthURL = "https://www.strava.com/oauth/authorize"
	// TokenURL is Strava's OAuth token endpoint used for code exchange and refresh.
	TokenURL = "https://www.strava.com/oauth/token"
)

// Scopes requests read-only access; Strava expects one comma-separated scope value.
var Scopes = []string{"read_all,activity:read_all"}

var (
	// ErrMissingRefreshToken indicates a refresh was attempted without a refresh token.
	ErrMissingRefreshToken = errors.New("strava.oauth.missing_refresh_token")
	// ErrMissingAuthorizationCode indicates the callback carried no code.
	ErrMissingAuthorizationCode = errors.New("strava.oauth.missing_code")
	// ErrEmptyAccessToken indicates the token endpoint answered without an access token.
	ErrEmptyAccessToken = errors.New("strava.oauth.empty_access_token")
	// ErrRefreshRejected indicates the token endpoint answered and refused the refresh token.
	ErrRefreshRejected = errors.New("strava.oauth.refresh_rejected")
)

// OAuthConfig holds the application credentials registered with Strava.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AuthURL and TokenURL override the Strava endpoints; empty values use the defaults.
	AuthURL  string
	TokenURL string
	// HTTPClient is used for token endpoint calls when set.
	HTTPClient *http.Client
}

// Grant is the result of a code exchange or refresh.
// RefreshToken is empty when the provider omitted it from the response.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	AthleteID    int64
	AthleteName  string
}

// OAuth performs the Strava authorization-code and refresh flows.
type OAuth struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuth builds an OAuth helper from application credentials.
func NewOAuth(configuration OAuthConfig) *OAuth {
	authURL := configuration.AuthURL
	if authURL == "" {
		authURL = AuthURL
	}
	tokenURL := configuration.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	return &OAuth{
		config: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: configuration.RedirectURL,
			Scopes:      Scopes,
		},
		httpClient: configuration.HTTPClient,
	}
}

// AuthCodeURL returns the Strava consent page URL carrying state.
func (provider *OAuth) AuthCodeURL(state string) string {
	return provider.config.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto"))
}

// Exchange trades an authorization code for a grant.
func (provider *OAuth) Exchange(ctx context.Context, code string) (Grant, error) {
	if strings.TrimSpace(code) == "" {
		return Grant{}, fmt.Errorf("strava.oauth.exchange: %w", ErrMissingAuthorizationCode)
	}
	token, err := provider.config.Exchange(provider.context(ctx), code)
	if err != nil {
		return Grant{}, fmt.Errorf("strava.oauth.exchange: %w", err)
	}
	return grantFromToken(token)
}

// Refresh trades a refresh token for a new access token.
func (provider *OAuth) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Grant{}, fmt.Errorf("strava.oauth.refresh: %w", ErrMissingRefreshToken)
	}
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	token, err := provider.config.TokenSource(provider.context(ctx), expired).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return Grant{}, fmt.Errorf("strava.oauth.refresh: %w: %w", ErrRefreshRejected, err)
		}
		return Grant{}, fmt.Errorf("strava.oauth.refresh: %w", err)
	}
	grant, grantErr := grantFromToken(token)
	if grantErr != nil {
		return Grant{}, fmt.Errorf("strava.oauth.refresh: %w: %w", ErrRefreshRejected, grantErr)
	}
	return grant, nil
}

func (provider *OAuth) context(ctx context.Context) context.Context {
	if provider.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, provider.httpClient)
}

func grantFromToken(token *oauth2.Token) (Grant, error) {
	if token == nil || token.AccessToken == "" {
		return Grant{}, ErrEmptyAccessToken
	}
	grant := Grant{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry.Unix(),
	}
	// oauth2 copies the previous refresh token forward; the raw field tells whether Strava sent one.
	if rawRefresh, ok := token.Extra("refresh_token").(string); ok {
		grant.RefreshToken = rawRefresh
	}
	if expiresAt, ok := numberExtra(token.Extra("expires_at")); ok {
		grant.ExpiresAt = expiresAt
	}
	if athlete, ok := token.Extra("athlete").(map[string]interface{}); ok {
		if athleteID, ok := numberExtra(athlete["id"]); ok {
			grant.AthleteID = athleteID
		}
		firstName, _ := athlete["firstname"].(string)
		lastName, _ := athlete["lastname"].(string)
		grant.AthleteName = strings.TrimSpace(firstName + " " + lastName)
	}
	return grant, nil
}

func numberExtra(value interface{}) (int64, bool) {
	switch typed := value.(type) {
	case float64:
		return int64(typed), true
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	default:
		return 0, false
	}
}
