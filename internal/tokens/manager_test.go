package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/stravasync/internal/metrics"
	"github.com/tyemirov/stravasync/internal/strava"
)

type stubRefresher struct {
	mutex    sync.Mutex
	grant    strava.Grant
	err      error
	received []string
}

func (refresher *stubRefresher) Refresh(ctx context.Context, refreshToken string) (strava.Grant, error) {
	refresher.mutex.Lock()
	defer refresher.mutex.Unlock()
	refresher.received = append(refresher.received, refreshToken)
	return refresher.grant, refresher.err
}

func (refresher *stubRefresher) calls() int {
	refresher.mutex.Lock()
	defer refresher.mutex.Unlock()
	return len(refresher.received)
}

type failingLoadStore struct {
	*MemoryStore
}

func (store failingLoadStore) Load(ctx context.Context, userID string) (Record, error) {
	return Record{}, errors.New("store must not be read")
}

var fixedNow = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedNow
}

func TestEnsureValidTokenRequiresUser(t *testing.T) {
	manager := NewManager(NewMemoryStore(), nil, &stubRefresher{}, WithClock(fixedClock))
	if _, err := manager.EnsureValidToken(context.Background(), ""); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
}

func TestEnsureValidTokenWithoutRecordIsNotConnected(t *testing.T) {
	manager := NewManager(NewMemoryStore(), nil, &stubRefresher{}, WithClock(fixedClock))
	if _, err := manager.EnsureValidToken(context.Background(), "user-1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestEnsureValidTokenUsesSessionCacheFastPath(t *testing.T) {
	cache := NewMemorySessionCache()
	cached := Record{UserID: "user-1", AccessToken: "cached-access", RefreshToken: "refresh", ExpiresAt: fixedNow.Add(time.Hour).Unix()}
	if err := cache.Set(context.Background(), cached); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	recorder := metrics.NewCounterMetrics()
	manager := NewManager(failingLoadStore{NewMemoryStore()}, cache, &stubRefresher{}, WithClock(fixedClock), WithMetrics(recorder))

	record, err := manager.EnsureValidToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.AccessToken != "cached-access" {
		t.Fatalf("expected cached token, got %s", record.AccessToken)
	}
	if recorder.Count(metrics.EventTokenCacheHit) != 1 {
		t.Fatalf("expected one cache hit, got %d", recorder.Count(metrics.EventTokenCacheHit))
	}
}

func TestEnsureValidTokenPopulatesCacheFromStore(t *testing.T) {
	store := NewMemoryStore()
	cache := NewMemorySessionCache()
	stored := Record{UserID: "user-1", AccessToken: "stored-access", RefreshToken: "refresh", ExpiresAt: fixedNow.Add(time.Hour).Unix()}
	if err := store.Save(context.Background(), stored); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	refresher := &stubRefresher{}
	manager := NewManager(store, cache, refresher, WithClock(fixedClock))

	record, err := manager.EnsureValidToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.AccessToken != "stored-access" {
		t.Fatalf("expected stored token, got %s", record.AccessToken)
	}
	if refresher.calls() != 0 {
		t.Fatalf("expected no refresh, got %d", refresher.calls())
	}
	mirrored, cacheErr := cache.Get(context.Background(), "user-1")
	if cacheErr != nil || mirrored.AccessToken != "stored-access" {
		t.Fatalf("expected cache to mirror stored token, got %+v (%v)", mirrored, cacheErr)
	}
}

func TestEnsureValidTokenRefreshesInsideExpiryBuffer(t *testing.T) {
	testCases := []struct {
		name          string
		expiresIn     time.Duration
		expectRefresh bool
	}{
		{name: "already expired", expiresIn: -time.Minute, expectRefresh: true},
		{name: "expires now", expiresIn: 0, expectRefresh: true},
		{name: "inside buffer", expiresIn: 200 * time.Second, expectRefresh: true},
		{name: "exactly at buffer", expiresIn: ExpiryBuffer, expectRefresh: true},
		{name: "just past buffer", expiresIn: ExpiryBuffer + time.Second, expectRefresh: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := NewMemoryStore()
			stale := Record{UserID: "user-1", AccessToken: "old-access", RefreshToken: "old-refresh", ExpiresAt: fixedNow.Add(testCase.expiresIn).Unix()}
			if err := store.Save(context.Background(), stale); err != nil {
				t.Fatalf("save failed: %v", err)
			}
			refresher := &stubRefresher{grant: strava.Grant{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresAt: fixedNow.Add(6 * time.Hour).Unix()}}
			manager := NewManager(store, NewMemorySessionCache(), refresher, WithClock(fixedClock))

			record, err := manager.EnsureValidToken(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.expectRefresh {
				if refresher.calls() != 1 {
					t.Fatalf("expected one refresh, got %d", refresher.calls())
				}
				if record.AccessToken != "new-access" {
					t.Fatalf("expected refreshed token, got %s", record.AccessToken)
				}
				return
			}
			if refresher.calls() != 0 {
				t.Fatalf("expected no refresh, got %d", refresher.calls())
			}
			if record.AccessToken != "old-access" {
				t.Fatalf("expected stored token, got %s", record.AccessToken)
			}
		})
	}
}

func TestEnsureValidTokenRetainsRefreshTokenWhenOmitted(t *testing.T) {
	store := NewMemoryStore()
	cache := NewMemorySessionCache()
	stale := Record{UserID: "user-1", AccessToken: "old-access", RefreshToken: "keep-me", ExpiresAt: fixedNow.Add(-time.Hour).Unix(), AthleteID: 7, AthleteName: "Grace Hopper"}
	if err := store.Save(context.Background(), stale); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	refresher := &stubRefresher{grant: strava.Grant{AccessToken: "new-access", ExpiresAt: fixedNow.Add(6 * time.Hour).Unix()}}
	recorder := metrics.NewCounterMetrics()
	manager := NewManager(store, cache, refresher, WithClock(fixedClock), WithMetrics(recorder))

	if _, err := manager.EnsureValidToken(context.Background(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	persisted, err := store.Load(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if persisted.RefreshToken != "keep-me" {
		t.Fatalf("expected refresh token to be retained, got %q", persisted.RefreshToken)
	}
	if persisted.AccessToken != "new-access" || persisted.ExpiresAt != fixedNow.Add(6*time.Hour).Unix() {
		t.Fatalf("expected refreshed access token persisted, got %+v", persisted)
	}
	if persisted.AthleteID != 7 || persisted.AthleteName != "Grace Hopper" {
		t.Fatalf("expected athlete identity to be kept, got %+v", persisted)
	}
	mirrored, cacheErr := cache.Get(context.Background(), "user-1")
	if cacheErr != nil || mirrored.RefreshToken != "keep-me" {
		t.Fatalf("expected cache to hold retained refresh token, got %+v (%v)", mirrored, cacheErr)
	}
	if recorder.Count(metrics.EventTokenRefreshSuccess) != 1 {
		t.Fatalf("expected refresh success event")
	}
}

func TestEnsureValidTokenFailedRefreshPurgesConnection(t *testing.T) {
	store := NewMemoryStore()
	cache := NewMemorySessionCache()
	stale := Record{UserID: "user-1", AccessToken: "old-access", RefreshToken: "revoked", ExpiresAt: fixedNow.Add(-time.Hour).Unix()}
	if err := store.Save(context.Background(), stale); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := cache.Set(context.Background(), stale); err != nil {
		t.Fatalf("cache set failed: %v", err)
	}
	refresher := &stubRefresher{err: fmt.Errorf("strava.oauth.refresh: %w: invalid_grant", strava.ErrRefreshRejected)}
	manager := NewManager(store, cache, refresher, WithClock(fixedClock))

	_, err := manager.EnsureValidToken(context.Background(), "user-1")
	if !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected ErrReauthenticationRequired, got %v", err)
	}
	if _, loadErr := store.Load(context.Background(), "user-1"); !errors.Is(loadErr, ErrTokenNotFound) {
		t.Fatalf("expected record to be deleted, got %v", loadErr)
	}
	if _, cacheErr := cache.Get(context.Background(), "user-1"); !errors.Is(cacheErr, ErrCacheMiss) {
		t.Fatalf("expected cache to be cleared, got %v", cacheErr)
	}

	_, err = manager.EnsureValidToken(context.Background(), "user-1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on the next call, got %v", err)
	}
	if refresher.calls() != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", refresher.calls())
	}
}

func TestEnsureValidTokenMissingRefreshTokenRequiresReauthentication(t *testing.T) {
	store := NewMemoryStore()
	stale := Record{UserID: "user-1", AccessToken: "old-access", ExpiresAt: fixedNow.Add(-time.Hour).Unix()}
	if err := store.Save(context.Background(), stale); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	refresher := &stubRefresher{}
	manager := NewManager(store, nil, refresher, WithClock(fixedClock))

	_, err := manager.EnsureValidToken(context.Background(), "user-1")
	if !errors.Is(err, ErrReauthenticationRequired) || !errors.Is(err, strava.ErrMissingRefreshToken) {
		t.Fatalf("expected reauthentication wrapping missing refresh token, got %v", err)
	}
	if refresher.calls() != 0 {
		t.Fatalf("expected refresher not to be called, got %d", refresher.calls())
	}
}

type contextAwareRefresher struct {
	grant strava.Grant
}

func (refresher contextAwareRefresher) Refresh(ctx context.Context, refreshToken string) (strava.Grant, error) {
	if err := ctx.Err(); err != nil {
		return strava.Grant{}, err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		return strava.Grant{}, errors.New("refresh must run under a deadline")
	}
	return refresher.grant, nil
}

func TestEnsureValidTokenRefreshSurvivesCancelledRequest(t *testing.T) {
	store := NewMemoryStore()
	stale := Record{UserID: "user-1", AccessToken: "old-access", RefreshToken: "refresh", ExpiresAt: fixedNow.Add(-time.Hour).Unix()}
	if err := store.Save(context.Background(), stale); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	refresher := contextAwareRefresher{grant: strava.Grant{AccessToken: "new-access", ExpiresAt: fixedNow.Add(6 * time.Hour).Unix()}}
	manager := NewManager(store, nil, refresher, WithClock(fixedClock))

	requestCtx, cancel := context.WithCancel(context.Background())
	cancel()
	record, err := manager.EnsureValidToken(requestCtx, "user-1")
	if err != nil {
		t.Fatalf("expected refresh to outlive the cancelled request, got %v", err)
	}
	if record.AccessToken != "new-access" || record.RefreshToken != "refresh" {
		t.Fatalf("unexpected record %+v", record)
	}
	persisted, loadErr := store.Load(context.Background(), "user-1")
	if loadErr != nil || persisted.AccessToken != "new-access" {
		t.Fatalf("expected refreshed record persisted, got %+v %v", persisted, loadErr)
	}
}

func TestEnsureValidTokenTransportFailureKeepsConnection(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{name: "deadline", err: fmt.Errorf("strava.oauth.refresh: %w", context.DeadlineExceeded)},
		{name: "network", err: errors.New("dial tcp: connection refused")},
		{name: "eof", err: errors.New("unexpected EOF")},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := NewMemoryStore()
			cache := NewMemorySessionCache()
			stale := Record{UserID: "user-1", AccessToken: "old-access", RefreshToken: "refresh", ExpiresAt: fixedNow.Add(-time.Hour).Unix()}
			if err := store.Save(context.Background(), stale); err != nil {
				t.Fatalf("save failed: %v", err)
			}
			refresher := &stubRefresher{err: testCase.err}
			manager := NewManager(store, cache, refresher, WithClock(fixedClock))

			_, err := manager.EnsureValidToken(context.Background(), "user-1")
			if !errors.Is(err, ErrRefreshUnavailable) {
				t.Fatalf("expected ErrRefreshUnavailable, got %v", err)
			}
			if errors.Is(err, ErrReauthenticationRequired) {
				t.Fatalf("transport failure must not require reauthentication: %v", err)
			}
			if _, loadErr := store.Load(context.Background(), "user-1"); loadErr != nil {
				t.Fatalf("expected record kept, got %v", loadErr)
			}

			refresher.err = nil
			refresher.grant = strava.Grant{AccessToken: "recovered", ExpiresAt: fixedNow.Add(6 * time.Hour).Unix()}
			record, err := manager.EnsureValidToken(context.Background(), "user-1")
			if err != nil || record.AccessToken != "recovered" {
				t.Fatalf("expected recovery on retry, got %+v %v", record, err)
			}
		})
	}
}

func TestConnectStatusDisconnect(t *testing.T) {
	store := NewMemoryStore()
	cache := NewMemorySessionCache()
	manager := NewManager(store, cache, &stubRefresher{}, WithClock(fixedClock))
	ctx := context.Background()

	if _, err := manager.Connect(ctx, "user-1", strava.Grant{}); !errors.Is(err, strava.ErrEmptyAccessToken) {
		t.Fatalf("expected ErrEmptyAccessToken, got %v", err)
	}

	status, err := manager.Status(ctx, "user-1")
	if err != nil || status.Connected {
		t.Fatalf("expected disconnected status, got %+v (%v)", status, err)
	}

	grant := strava.Grant{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: fixedNow.Add(time.Hour).Unix(), AthleteID: 99, AthleteName: "Katherine Johnson"}
	if _, err := manager.Connect(ctx, "user-1", grant); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	status, err = manager.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Connected || status.AthleteID != 99 || status.NeedsRefresh {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.ExpiresAt == nil || !status.ExpiresAt.Equal(time.Unix(grant.ExpiresAt, 0)) {
		t.Fatalf("expected expiry %d, got %v", grant.ExpiresAt, status.ExpiresAt)
	}

	if err := manager.Disconnect(ctx, "user-1"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if _, err := manager.EnsureValidToken(ctx, "user-1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
	if err := manager.Disconnect(ctx, "user-1"); err != nil {
		t.Fatalf("expected idempotent disconnect, got %v", err)
	}
}
