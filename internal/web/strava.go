package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/stravasync/internal/activitysync"
	"github.com/tyemirov/stravasync/internal/session"
	"github.com/tyemirov/stravasync/internal/strava"
	"github.com/tyemirov/stravasync/internal/tokens"
	"go.uber.org/zap"
)

const (
	oauthStateCookieName = "strava_oauth_state"
	oauthStateTTL        = 10 * time.Minute

	codeStateMismatch = "strava.oauth.state_mismatch"
	codeAccessDenied  = "strava.oauth.access_denied"
	codeExchange      = "strava.oauth.exchange_failed"
)

// OAuthFlow runs the Strava authorization-code flow.
type OAuthFlow interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (strava.Grant, error)
}

// Connections manages the stored Strava link of an application user.
type Connections interface {
	Connect(ctx context.Context, userID string, grant strava.Grant) (tokens.Record, error)
	Disconnect(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (tokens.Status, error)
}

// Syncer pulls Strava data on behalf of an application user.
type Syncer interface {
	Sync(ctx context.Context, userID string, request activitysync.Request) (activitysync.Result, error)
	SyncActivity(ctx context.Context, userID string, activityID int64) (activitysync.SingleResult, error)
	Athlete(ctx context.Context, userID string) (strava.Athlete, error)
}

// StravaConfig configures the connect/callback cookies and redirects.
type StravaConfig struct {
	// SuccessRedirect is where the browser lands after a successful callback; empty answers JSON.
	SuccessRedirect   string
	AllowInsecureHTTP bool
}

// StravaHandlers serves the Strava connection and sync endpoints.
type StravaHandlers struct {
	oauth       OAuthFlow
	connections Connections
	syncer      Syncer
	config      StravaConfig
	logger      *zap.Logger
	newState    func() string
}

// NewStravaHandlers wires the handlers; oauth, connections and syncer are required.
func NewStravaHandlers(oauth OAuthFlow, connections Connections, syncer Syncer, config StravaConfig, logger *zap.Logger) *StravaHandlers {
	if oauth == nil || connections == nil || syncer == nil {
		panic("strava handler dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StravaHandlers{
		oauth:       oauth,
		connections: connections,
		syncer:      syncer,
		config:      config,
		logger:      logger,
		newState:    uuid.NewString,
	}
}

// Mount registers the Strava routes on router; callers attach the session middleware.
func (handlers *StravaHandlers) Mount(router gin.IRouter) {
	router.GET("/strava/connect", handlers.handleConnect)
	router.GET("/strava/callback", handlers.handleCallback)
	router.GET("/api/strava/status", handlers.handleStatus)
	router.POST("/api/strava/disconnect", handlers.handleDisconnect)
	router.POST("/api/strava/sync", handlers.handleSync)
	router.POST("/api/strava/activities/:id/sync", handlers.handleSyncActivity)
	router.GET("/api/strava/athlete", handlers.handleAthlete)
}

func (handlers *StravaHandlers) handleConnect(contextGin *gin.Context) {
	state := handlers.newState()
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    state,
		Path:     "/strava",
		MaxAge:   int(oauthStateTTL.Seconds()),
		HttpOnly: true,
		Secure:   !handlers.config.AllowInsecureHTTP,
		SameSite: http.SameSiteLaxMode,
	})
	contextGin.Redirect(http.StatusFound, handlers.oauth.AuthCodeURL(state))
}

func (handlers *StravaHandlers) handleCallback(contextGin *gin.Context) {
	userID := userIDOf(contextGin)
	stateCookie, cookieErr := contextGin.Request.Cookie(oauthStateCookieName)
	handlers.clearStateCookie(contextGin)
	if cookieErr != nil || stateCookie.Value == "" || stateCookie.Value != contextGin.Query("state") {
		handlers.logger.Warn("oauth state mismatch",
			zap.String("code", codeStateMismatch),
			zap.String("user_id", userID))
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": codeStateMismatch})
		return
	}
	if denied := contextGin.Query("error"); denied != "" {
		handlers.logger.Warn("strava authorization denied",
			zap.String("code", codeAccessDenied),
			zap.String("user_id", userID),
			zap.String("reason", denied))
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": codeAccessDenied})
		return
	}

	grant, exchangeErr := handlers.oauth.Exchange(contextGin.Request.Context(), contextGin.Query("code"))
	if exchangeErr != nil {
		handlers.logger.Warn("strava code exchange failed",
			zap.String("code", codeExchange),
			zap.String("user_id", userID),
			zap.Error(exchangeErr))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": codeExchange})
		return
	}
	record, connectErr := handlers.connections.Connect(contextGin.Request.Context(), userID, grant)
	if connectErr != nil {
		respondError(contextGin, handlers.logger, "api.strava.callback", connectErr)
		return
	}
	handlers.logger.Info("strava account connected",
		zap.String("user_id", userID),
		zap.Int64("athlete_id", record.AthleteID))

	if handlers.config.SuccessRedirect != "" {
		contextGin.Redirect(http.StatusFound, handlers.config.SuccessRedirect)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"connected":    true,
		"athlete_id":   record.AthleteID,
		"athlete_name": record.AthleteName,
	})
}

func (handlers *StravaHandlers) clearStateCookie(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     "/strava",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !handlers.config.AllowInsecureHTTP,
		SameSite: http.SameSiteLaxMode,
	})
}

func (handlers *StravaHandlers) handleStatus(contextGin *gin.Context) {
	status, err := handlers.connections.Status(contextGin.Request.Context(), userIDOf(contextGin))
	if err != nil {
		respondError(contextGin, handlers.logger, "api.strava.status", err)
		return
	}
	contextGin.JSON(http.StatusOK, status)
}

func (handlers *StravaHandlers) handleDisconnect(contextGin *gin.Context) {
	if err := handlers.connections.Disconnect(contextGin.Request.Context(), userIDOf(contextGin)); err != nil {
		respondError(contextGin, handlers.logger, "api.strava.disconnect", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"connected": false})
}

func (handlers *StravaHandlers) handleSync(contextGin *gin.Context) {
	request, parseErr := parseSyncRequest(contextGin)
	if parseErr != nil {
		respondInvalid(contextGin, parseErr.Error())
		return
	}
	result, err := handlers.syncer.Sync(contextGin.Request.Context(), userIDOf(contextGin), request)
	if err != nil {
		respondError(contextGin, handlers.logger, "api.strava.sync", err)
		return
	}
	contextGin.JSON(http.StatusOK, result)
}

func (handlers *StravaHandlers) handleSyncActivity(contextGin *gin.Context) {
	activityID, parseErr := parseActivityID(contextGin.Param("id"))
	if parseErr != nil {
		respondInvalid(contextGin, parseErr.Error())
		return
	}
	result, err := handlers.syncer.SyncActivity(contextGin.Request.Context(), userIDOf(contextGin), activityID)
	if err != nil {
		respondError(contextGin, handlers.logger, "api.strava.sync_activity", err)
		return
	}
	contextGin.JSON(http.StatusOK, result)
}

func (handlers *StravaHandlers) handleAthlete(contextGin *gin.Context) {
	athlete, err := handlers.syncer.Athlete(contextGin.Request.Context(), userIDOf(contextGin))
	if err != nil {
		respondError(contextGin, handlers.logger, "api.strava.athlete", err)
		return
	}
	contextGin.JSON(http.StatusOK, athlete)
}

// syncParameters accepts the sync options from the query string or a JSON body.
type syncParameters struct {
	Limit        *int   `json:"limit" form:"limit"`
	After        string `json:"after" form:"after"`
	Before       string `json:"before" form:"before"`
	FetchDetails *bool  `json:"fetch_details" form:"fetch_details"`
}

func parseSyncRequest(contextGin *gin.Context) (activitysync.Request, error) {
	var parameters syncParameters
	if err := contextGin.ShouldBindQuery(&parameters); err != nil {
		return activitysync.Request{}, fmt.Errorf("invalid query: %w", err)
	}
	if contextGin.Request.ContentLength > 0 {
		if err := contextGin.ShouldBindJSON(&parameters); err != nil {
			return activitysync.Request{}, fmt.Errorf("invalid json: %w", err)
		}
	}
	request := activitysync.Request{Limit: activitysync.DefaultLimit, FetchDetails: true}
	if parameters.Limit != nil {
		request.Limit = *parameters.Limit
	}
	if parameters.FetchDetails != nil {
		request.FetchDetails = *parameters.FetchDetails
	}
	var err error
	if request.After, err = parseTimeBound("after", parameters.After); err != nil {
		return activitysync.Request{}, err
	}
	if request.Before, err = parseTimeBound("before", parameters.Before); err != nil {
		return activitysync.Request{}, err
	}
	return request, nil
}

// parseTimeBound accepts epoch seconds, RFC 3339 timestamps or calendar dates.
func parseTimeBound(name, value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if seconds, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%s must be epoch seconds, RFC 3339 or YYYY-MM-DD", name)
}

func parseActivityID(value string) (int64, error) {
	activityID, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || activityID <= 0 {
		return 0, fmt.Errorf("activity id must be a positive integer")
	}
	return activityID, nil
}

func userIDOf(contextGin *gin.Context) string {
	return session.UserID(contextGin)
}
