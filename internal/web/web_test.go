package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/stravasync/internal/activities"
	"github.com/tyemirov/stravasync/internal/activitysync"
	"github.com/tyemirov/stravasync/internal/session"
	"github.com/tyemirov/stravasync/internal/strava"
	"github.com/tyemirov/stravasync/internal/tokens"
	"go.uber.org/zap/zaptest"
)

var testSigningKey = []byte("web-test-signing-key-0123456789ab")

type stubOAuth struct {
	exchangeErr error
	codes       []string
}

func (oauth *stubOAuth) AuthCodeURL(state string) string {
	return "https://www.strava.com/oauth/authorize?state=" + url.QueryEscape(state)
}

func (oauth *stubOAuth) Exchange(_ context.Context, code string) (strava.Grant, error) {
	oauth.codes = append(oauth.codes, code)
	if oauth.exchangeErr != nil {
		return strava.Grant{}, oauth.exchangeErr
	}
	return strava.Grant{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: 1767247200, AthleteID: 99, AthleteName: "Ada Lovelace"}, nil
}

type stubConnections struct {
	connected map[string]strava.Grant
}

func newStubConnections() *stubConnections {
	return &stubConnections{connected: make(map[string]strava.Grant)}
}

func (connections *stubConnections) Connect(_ context.Context, userID string, grant strava.Grant) (tokens.Record, error) {
	connections.connected[userID] = grant
	return tokens.Record{UserID: userID, AthleteID: grant.AthleteID, AthleteName: grant.AthleteName}, nil
}

func (connections *stubConnections) Disconnect(_ context.Context, userID string) error {
	delete(connections.connected, userID)
	return nil
}

func (connections *stubConnections) Status(_ context.Context, userID string) (tokens.Status, error) {
	grant, ok := connections.connected[userID]
	if !ok {
		return tokens.Status{Connected: false}, nil
	}
	return tokens.Status{Connected: true, AthleteID: grant.AthleteID, AthleteName: grant.AthleteName}, nil
}

type stubSyncer struct {
	err      error
	requests []activitysync.Request
	users    []string
}

func (syncer *stubSyncer) Sync(_ context.Context, userID string, request activitysync.Request) (activitysync.Result, error) {
	syncer.users = append(syncer.users, userID)
	syncer.requests = append(syncer.requests, request)
	if syncer.err != nil {
		return activitysync.Result{}, syncer.err
	}
	return activitysync.Result{RunID: "run-1", Created: 2, Message: "Successfully synced 2 activities"}, nil
}

func (syncer *stubSyncer) SyncActivity(_ context.Context, userID string, activityID int64) (activitysync.SingleResult, error) {
	syncer.users = append(syncer.users, userID)
	if syncer.err != nil {
		return activitysync.SingleResult{}, syncer.err
	}
	name := fmt.Sprintf("Activity %d", activityID)
	return activitysync.SingleResult{Created: true, Activity: activities.Activity{ID: activityID, Name: &name}}, nil
}

func (syncer *stubSyncer) Athlete(_ context.Context, userID string) (strava.Athlete, error) {
	syncer.users = append(syncer.users, userID)
	if syncer.err != nil {
		return strava.Athlete{}, syncer.err
	}
	return strava.Athlete{ID: 99, FirstName: "Ada"}, nil
}

type stubQueries struct {
	stored  map[int64]activities.Activity
	filters []activities.Filter
}

func (queries *stubQueries) GetByID(_ context.Context, activityID int64) (activities.Activity, error) {
	activity, ok := queries.stored[activityID]
	if !ok {
		return activities.Activity{}, fmt.Errorf("activity_store.get: %w", activities.ErrActivityNotFound)
	}
	return activity, nil
}

func (queries *stubQueries) List(_ context.Context, filter activities.Filter) ([]activities.Activity, error) {
	queries.filters = append(queries.filters, filter)
	listed := make([]activities.Activity, 0, len(queries.stored))
	for _, activity := range queries.stored {
		listed = append(listed, activity)
	}
	return listed, nil
}

func (queries *stubQueries) Stats(_ context.Context, filter activities.Filter) (activities.Stats, error) {
	queries.filters = append(queries.filters, filter)
	return activities.Stats{TotalActivities: int64(len(queries.stored)), TotalDistanceKm: 12.5}, nil
}

type stubCatalog struct{}

func (stubCatalog) List(context.Context) ([]activities.ActivityType, error) {
	return []activities.ActivityType{{Name: "Run", DisplayName: "Run", Category: "Foot", IsOfficial: true}}, nil
}

type testServer struct {
	router      *gin.Engine
	oauth       *stubOAuth
	connections *stubConnections
	syncer      *stubSyncer
	queries     *stubQueries
	scopedTo    []string
	token       string
}

func newTestServer(t *testing.T, config StravaConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	validator, err := session.New(session.Config{SigningKey: testSigningKey, Issuer: "tauth"})
	if err != nil {
		t.Fatalf("session validator: %v", err)
	}
	token, _, err := session.Mint(nil, session.MintRequest{UserID: "user-1", SigningKey: testSigningKey, Issuer: "tauth", TTL: time.Hour})
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}

	name := "Morning Run"
	server := &testServer{
		oauth:       &stubOAuth{},
		connections: newStubConnections(),
		syncer:      &stubSyncer{},
		queries:     &stubQueries{stored: map[int64]activities.Activity{7: {ID: 7, Name: &name}}},
		token:       token,
	}
	stravaHandlers := NewStravaHandlers(server.oauth, server.connections, server.syncer, config, logger)
	stravaHandlers.newState = func() string { return "state-123" }

	router := gin.New()
	router.GET("/healthz", HandleHealth(logger, nil))
	protected := router.Group("/")
	protected.Use(validator.GinMiddleware())
	stravaHandlers.Mount(protected)
	otherUser := &stubQueries{stored: map[int64]activities.Activity{}}
	queriesFor := func(userID string) ActivityQueries {
		server.scopedTo = append(server.scopedTo, userID)
		if userID == "user-1" {
			return server.queries
		}
		return otherUser
	}
	NewActivityHandlers(queriesFor, stubCatalog{}, logger).Mount(protected)
	server.router = router
	return server
}

func (server *testServer) do(method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var request *http.Request
	if body != "" {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	} else {
		request = httptest.NewRequest(method, target, nil)
	}
	request.Header.Set("Authorization", "Bearer "+server.token)
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	server.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	server := newTestServer(t, StravaConfig{})
	for _, target := range []string{"/api/strava/status", "/api/activities", "/strava/connect"} {
		recorder := httptest.NewRecorder()
		server.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, recorder.Code)
		}
	}
	recorder := httptest.NewRecorder()
	server.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected public health check, got %d", recorder.Code)
	}
}

func TestConnectAndCallbackLinkAccount(t *testing.T) {
	server := newTestServer(t, StravaConfig{AllowInsecureHTTP: true})

	connect := server.do(http.MethodGet, "/strava/connect", "")
	if connect.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", connect.Code)
	}
	if location := connect.Header().Get("Location"); !strings.Contains(location, "state=state-123") {
		t.Fatalf("unexpected redirect %q", location)
	}
	var stateCookie *http.Cookie
	for _, cookie := range connect.Result().Cookies() {
		if cookie.Name == oauthStateCookieName {
			stateCookie = cookie
		}
	}
	if stateCookie == nil || stateCookie.Value != "state-123" || !stateCookie.HttpOnly {
		t.Fatalf("expected http-only state cookie, got %+v", stateCookie)
	}

	callback := server.do(http.MethodGet, "/strava/callback?code=abc&state=state-123", "", stateCookie)
	if callback.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", callback.Code, callback.Body.String())
	}
	payload := decodeBody(t, callback)
	if payload["athlete_name"] != "Ada Lovelace" || payload["connected"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
	if len(server.oauth.codes) != 1 || server.oauth.codes[0] != "abc" {
		t.Fatalf("unexpected exchanged codes %v", server.oauth.codes)
	}
	if _, ok := server.connections.connected["user-1"]; !ok {
		t.Fatalf("expected connection stored for session user")
	}

	status := decodeBody(t, server.do(http.MethodGet, "/api/strava/status", ""))
	if status["connected"] != true {
		t.Fatalf("expected connected status, got %v", status)
	}
	if disconnect := server.do(http.MethodPost, "/api/strava/disconnect", ""); disconnect.Code != http.StatusOK {
		t.Fatalf("expected disconnect 200, got %d", disconnect.Code)
	}
	status = decodeBody(t, server.do(http.MethodGet, "/api/strava/status", ""))
	if status["connected"] != false {
		t.Fatalf("expected disconnected status, got %v", status)
	}
}

func TestCallbackFailures(t *testing.T) {
	testCases := []struct {
		name        string
		target      string
		cookie      *http.Cookie
		exchangeErr error
		status      int
		code        string
	}{
		{name: "missing cookie", target: "/strava/callback?code=abc&state=s", status: http.StatusBadRequest, code: codeStateMismatch},
		{name: "state mismatch", target: "/strava/callback?code=abc&state=other", cookie: &http.Cookie{Name: oauthStateCookieName, Value: "s"}, status: http.StatusBadRequest, code: codeStateMismatch},
		{name: "access denied", target: "/strava/callback?error=access_denied&state=s", cookie: &http.Cookie{Name: oauthStateCookieName, Value: "s"}, status: http.StatusBadRequest, code: codeAccessDenied},
		{name: "exchange failure", target: "/strava/callback?code=abc&state=s", cookie: &http.Cookie{Name: oauthStateCookieName, Value: "s"}, exchangeErr: errors.New("invalid_grant"), status: http.StatusBadGateway, code: codeExchange},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := newTestServer(t, StravaConfig{})
			server.oauth.exchangeErr = testCase.exchangeErr
			var cookies []*http.Cookie
			if testCase.cookie != nil {
				cookies = append(cookies, testCase.cookie)
			}
			recorder := server.do(http.MethodGet, testCase.target, "", cookies...)
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, recorder.Code)
			}
			if payload := decodeBody(t, recorder); payload["error"] != testCase.code {
				t.Fatalf("expected error %q, got %v", testCase.code, payload)
			}
			if len(server.connections.connected) != 0 {
				t.Fatalf("expected no connection stored")
			}
		})
	}
}

func TestCallbackRedirectsWhenConfigured(t *testing.T) {
	server := newTestServer(t, StravaConfig{SuccessRedirect: "/settings"})
	recorder := server.do(http.MethodGet, "/strava/callback?code=abc&state=s", "", &http.Cookie{Name: oauthStateCookieName, Value: "s"})
	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/settings" {
		t.Fatalf("expected redirect to /settings, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
}

func TestSyncParsesParameters(t *testing.T) {
	server := newTestServer(t, StravaConfig{})

	recorder := server.do(http.MethodPost, "/api/strava/sync?limit=50&after=1700000000", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeBody(t, recorder); payload["created"] != float64(2) || payload["run_id"] != "run-1" {
		t.Fatalf("unexpected payload %v", payload)
	}

	recorder = server.do(http.MethodPost, "/api/strava/sync", `{"limit": 5, "before": "2026-01-31", "fetch_details": false}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = server.do(http.MethodPost, "/api/strava/sync", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	if len(server.syncer.requests) != 3 {
		t.Fatalf("expected 3 sync calls, got %d", len(server.syncer.requests))
	}
	first, second, third := server.syncer.requests[0], server.syncer.requests[1], server.syncer.requests[2]
	if first.Limit != 50 || !first.After.Equal(time.Unix(1700000000, 0)) || !first.FetchDetails {
		t.Fatalf("unexpected first request %+v", first)
	}
	if second.Limit != 5 || second.FetchDetails || !second.Before.Equal(time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected second request %+v", second)
	}
	if third.Limit != activitysync.DefaultLimit || !third.FetchDetails || !third.After.IsZero() {
		t.Fatalf("unexpected default request %+v", third)
	}
	for _, userID := range server.syncer.users {
		if userID != "user-1" {
			t.Fatalf("expected session user, got %q", userID)
		}
	}

	if invalid := server.do(http.MethodPost, "/api/strava/sync?after=yesterday", ""); invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad bound, got %d", invalid.Code)
	}
}

func TestSyncErrorMapping(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "not connected", err: fmt.Errorf("strava_token.ensure: %w", tokens.ErrNotConnected), status: http.StatusConflict, code: "strava_token.not_connected"},
		{name: "reauthenticate", err: tokens.ErrReauthenticationRequired, status: http.StatusConflict, code: "strava_token.reauthentication_required"},
		{name: "rate limited", err: fmt.Errorf("activity_sync.list: %w", activitysync.ErrRateLimitExceeded), status: http.StatusTooManyRequests, code: "activity_sync.rate_limit_exceeded"},
		{name: "external", err: activitysync.ErrExternalAPI, status: http.StatusBadGateway, code: "activity_sync.external_api_error"},
		{name: "refresh unavailable", err: fmt.Errorf("strava_token.refresh: %w: %w", tokens.ErrRefreshUnavailable, context.DeadlineExceeded), status: http.StatusBadGateway, code: "strava_token.refresh_unavailable"},
		{name: "unexpected", err: errors.New("disk full"), status: http.StatusInternalServerError, code: codeInternal},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := newTestServer(t, StravaConfig{})
			server.syncer.err = testCase.err
			for _, target := range []string{"/api/strava/sync", "/api/strava/activities/5/sync"} {
				recorder := server.do(http.MethodPost, target, "")
				if recorder.Code != testCase.status {
					t.Fatalf("%s: expected %d, got %d", target, testCase.status, recorder.Code)
				}
				if payload := decodeBody(t, recorder); payload["error"] != testCase.code {
					t.Fatalf("%s: expected %q, got %v", target, testCase.code, payload)
				}
			}
		})
	}
}

func TestSyncActivityMissingFields(t *testing.T) {
	server := newTestServer(t, StravaConfig{})
	server.syncer.err = fmt.Errorf("activity_sync.sync_activity: %w", &activities.MissingFieldsError{Fields: []string{"name", "sport_type"}})

	recorder := server.do(http.MethodPost, "/api/strava/activities/12/sync", "")
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["message"] != "Missing required fields: name, sport_type" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if bad := server.do(http.MethodPost, "/api/strava/activities/abc/sync", ""); bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", bad.Code)
	}
}

func TestAthleteEndpoint(t *testing.T) {
	server := newTestServer(t, StravaConfig{})
	recorder := server.do(http.MethodGet, "/api/strava/athlete", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if payload := decodeBody(t, recorder); payload["id"] != float64(99) {
		t.Fatalf("unexpected athlete %v", payload)
	}
}

func TestActivityQueries(t *testing.T) {
	server := newTestServer(t, StravaConfig{})

	list := server.do(http.MethodGet, "/api/activities?sport_type=Run&day_date=2026-01-05&limit=900&offset=10", "")
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}
	if payload := decodeBody(t, list); payload["count"] != float64(1) {
		t.Fatalf("unexpected list payload %v", payload)
	}
	filter := server.queries.filters[0]
	if filter.SportType != "Run" || filter.DayDate != "2026-01-05" || filter.Limit != maxListLimit || filter.Offset != 10 {
		t.Fatalf("unexpected filter %+v", filter)
	}

	stats := server.do(http.MethodGet, "/api/activities/stats?gear_id=g1", "")
	if payload := decodeBody(t, stats); payload["total_distance_km"] != 12.5 {
		t.Fatalf("unexpected stats %v", payload)
	}
	if server.queries.filters[1].GearID != "g1" {
		t.Fatalf("expected gear filter on stats")
	}

	found := server.do(http.MethodGet, "/api/activities/7", "")
	if payload := decodeBody(t, found); payload["name"] != "Morning Run" {
		t.Fatalf("unexpected activity %v", payload)
	}
	missing := server.do(http.MethodGet, "/api/activities/8", "")
	if missing.Code != http.StatusNotFound || decodeBody(t, missing)["error"] != "activity_store.not_found" {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
	if bad := server.do(http.MethodGet, "/api/activities?limit=-1", ""); bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", bad.Code)
	}

	types := decodeBody(t, server.do(http.MethodGet, "/api/activity-types", ""))
	listed, ok := types["activity_types"].([]any)
	if !ok || len(listed) != 1 {
		t.Fatalf("unexpected types %v", types)
	}
}

func TestActivityQueriesScopedToSessionUser(t *testing.T) {
	server := newTestServer(t, StravaConfig{})
	otherToken, _, err := session.Mint(nil, session.MintRequest{UserID: "user-2", SigningKey: testSigningKey, Issuer: "tauth", TTL: time.Hour})
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}
	server.token = otherToken

	if found := server.do(http.MethodGet, "/api/activities/7", ""); found.Code != http.StatusNotFound {
		t.Fatalf("expected another user's activity to be hidden, got %d", found.Code)
	}
	if payload := decodeBody(t, server.do(http.MethodGet, "/api/activities", "")); payload["count"] != float64(0) {
		t.Fatalf("expected empty list for second user, got %v", payload)
	}
	if payload := decodeBody(t, server.do(http.MethodGet, "/api/activities/stats", "")); payload["total_activities"] != float64(0) {
		t.Fatalf("expected empty stats for second user, got %v", payload)
	}
	for _, userID := range server.scopedTo {
		if userID != "user-2" {
			t.Fatalf("expected reads scoped to user-2, got %v", server.scopedTo)
		}
	}
	if len(server.scopedTo) != 3 {
		t.Fatalf("expected three scoped reads, got %v", server.scopedTo)
	}
}

func TestHandleHealthReportsPingFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/healthz", HandleHealth(zaptest.NewLogger(t), func(context.Context) error {
		return errors.New("database down")
	}))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestConfigureCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"http://localhost", "http://localhost/"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestConfigureCORSRejectsInvalidOrigins(t *testing.T) {
	invalid := [][]string{nil, {"  "}, {"*"}, {"ftp://example.com"}, {"https://example.com/path"}, {"https://example.com?x=1"}}
	for _, origins := range invalid {
		if _, err := ConfigureCORS(nil, origins); err == nil {
			t.Fatalf("expected error for origins %v", origins)
		}
	}
}
