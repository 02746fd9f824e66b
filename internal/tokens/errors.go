package tokens

import "errors"

var (
	// ErrAuthenticationRequired indicates the caller has no application user.
	ErrAuthenticationRequired = errors.New("strava_token.authentication_required")
	// ErrNotConnected indicates the user never linked a Strava account or the link was removed.
	ErrNotConnected = errors.New("strava_token.not_connected")
	// ErrReauthenticationRequired indicates the stored refresh token was rejected and the link was purged.
	ErrReauthenticationRequired = errors.New("strava_token.reauthentication_required")
	// ErrRefreshUnavailable indicates the refresh could not reach a verdict; the link is kept.
	ErrRefreshUnavailable = errors.New("strava_token.refresh_unavailable")

	// ErrTokenNotFound indicates no token record exists for the user.
	ErrTokenNotFound = errors.New("token_store.not_found")
	// ErrEmptyUserID indicates a store call without a user identifier.
	ErrEmptyUserID = errors.New("token_store.empty_user_id")
	// ErrCacheMiss indicates the session cache holds no entry for the user.
	ErrCacheMiss = errors.New("token_cache.miss")
)
