package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/stravasync/internal/metrics"
	"github.com/tyemirov/stravasync/internal/strava"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Refresher exchanges a refresh token for a new grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (strava.Grant, error)
}

// Manager guarantees a non-expiring Strava access token before any API call.
type Manager struct {
	store     Store
	cache     SessionCache
	refresher Refresher
	logger    *zap.Logger
	metrics   metrics.MetricsRecorder
	now       func() time.Time

	refreshGroup singleflight.Group
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithMetrics sets the event recorder.
func WithMetrics(recorder metrics.MetricsRecorder) ManagerOption {
	return func(manager *Manager) {
		if recorder != nil {
			manager.metrics = recorder
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(manager *Manager) {
		if now != nil {
			manager.now = now
		}
	}
}

// NewManager wires a manager over a durable store, a session cache and a refresher.
func NewManager(store Store, cache SessionCache, refresher Refresher, options ...ManagerOption) *Manager {
	if store == nil {
		panic("token store is required")
	}
	if refresher == nil {
		panic("token refresher is required")
	}
	if cache == nil {
		cache = NewMemorySessionCache()
	}
	manager := &Manager{
		store:     store,
		cache:     cache,
		refresher: refresher,
		logger:    zap.NewNop(),
		metrics:   metrics.Discard{},
		now:       time.Now,
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

// EnsureValidToken returns a token for userID that stays valid beyond ExpiryBuffer,
// refreshing it through Strava when needed.
func (manager *Manager) EnsureValidToken(ctx context.Context, userID string) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, fmt.Errorf("strava_token.ensure: %w", ErrAuthenticationRequired)
	}
	now := manager.now()

	cached, cacheErr := manager.cache.Get(ctx, userID)
	if cacheErr == nil && cached.ValidAt(now) {
		manager.metrics.Increment(metrics.EventTokenCacheHit)
		return cached, nil
	}
	if cacheErr != nil && !errors.Is(cacheErr, ErrCacheMiss) {
		manager.logger.Debug("session cache unavailable",
			zap.String("code", "strava_token.cache_read"),
			zap.String("user_id", userID),
			zap.Error(cacheErr))
	}

	stored, loadErr := manager.store.Load(ctx, userID)
	if loadErr != nil {
		if errors.Is(loadErr, ErrTokenNotFound) {
			return Record{}, fmt.Errorf("strava_token.ensure: %w", ErrNotConnected)
		}
		return Record{}, fmt.Errorf("strava_token.ensure: %w", loadErr)
	}
	if stored.ValidAt(now) {
		manager.metrics.Increment(metrics.EventTokenStoreHit)
		manager.writeCache(ctx, stored)
		return stored, nil
	}
	return manager.refresh(ctx, stored)
}

func (manager *Manager) refresh(ctx context.Context, stored Record) (Record, error) {
	result, err, _ := manager.refreshGroup.Do(stored.UserID, func() (interface{}, error) {
		// Shared by every waiter; detached from the first caller's cancellation.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		return manager.refreshOnce(refreshCtx, stored)
	})
	if err != nil {
		return Record{}, err
	}
	return result.(Record), nil
}

func (manager *Manager) refreshOnce(ctx context.Context, stored Record) (Record, error) {
	var (
		grant      strava.Grant
		refreshErr error
	)
	if strings.TrimSpace(stored.RefreshToken) == "" {
		refreshErr = strava.ErrMissingRefreshToken
	} else {
		grant, refreshErr = manager.refresher.Refresh(ctx, stored.RefreshToken)
	}
	if refreshErr != nil && !rejected(refreshErr) {
		manager.metrics.Increment(metrics.EventTokenRefreshFailure)
		manager.logger.Warn("strava token refresh unavailable; keeping connection",
			zap.String("code", "strava_token.refresh_unavailable"),
			zap.String("user_id", stored.UserID),
			zap.Error(refreshErr))
		return Record{}, fmt.Errorf("strava_token.refresh: %w: %w", ErrRefreshUnavailable, refreshErr)
	}
	if refreshErr != nil {
		manager.metrics.Increment(metrics.EventTokenRefreshFailure)
		manager.logger.Warn("strava token refresh failed; purging connection",
			zap.String("code", "strava_token.refresh_failed"),
			zap.String("user_id", stored.UserID),
			zap.Error(refreshErr))
		manager.purge(ctx, stored.UserID)
		return Record{}, fmt.Errorf("strava_token.refresh: %w: %w", ErrReauthenticationRequired, refreshErr)
	}

	refreshed := Record{
		UserID:       stored.UserID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		AthleteID:    stored.AthleteID,
		AthleteName:  stored.AthleteName,
		UpdatedAt:    manager.now().UTC().Unix(),
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = stored.RefreshToken
	}
	if grant.AthleteID != 0 {
		refreshed.AthleteID = grant.AthleteID
	}
	if grant.AthleteName != "" {
		refreshed.AthleteName = grant.AthleteName
	}
	if saveErr := manager.store.Save(ctx, refreshed); saveErr != nil {
		return Record{}, fmt.Errorf("strava_token.refresh.persist: %w", saveErr)
	}
	manager.writeCache(ctx, refreshed)
	manager.metrics.Increment(metrics.EventTokenRefreshSuccess)
	manager.logger.Info("strava token refreshed",
		zap.String("user_id", refreshed.UserID),
		zap.Int64("expires_at", refreshed.ExpiresAt))
	return refreshed, nil
}

// rejected reports whether the stored refresh token is unusable, as opposed to
// the provider being unreachable.
func rejected(err error) bool {
	return errors.Is(err, strava.ErrRefreshRejected) || errors.Is(err, strava.ErrMissingRefreshToken)
}

// Connect stores a freshly exchanged grant for userID.
func (manager *Manager) Connect(ctx context.Context, userID string, grant strava.Grant) (Record, error) {
	if strings.TrimSpace(userID) == "" {
		return Record{}, fmt.Errorf("strava_token.connect: %w", ErrAuthenticationRequired)
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		return Record{}, fmt.Errorf("strava_token.connect: %w", strava.ErrEmptyAccessToken)
	}
	record := Record{
		UserID:       userID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		AthleteID:    grant.AthleteID,
		AthleteName:  grant.AthleteName,
		UpdatedAt:    manager.now().UTC().Unix(),
	}
	if err := manager.store.Save(ctx, record); err != nil {
		return Record{}, fmt.Errorf("strava_token.connect: %w", err)
	}
	manager.writeCache(ctx, record)
	return record, nil
}

// Disconnect removes the stored connection and its cached mirror.
func (manager *Manager) Disconnect(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("strava_token.disconnect: %w", ErrAuthenticationRequired)
	}
	if err := manager.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("strava_token.disconnect: %w", err)
	}
	if err := manager.cache.Clear(ctx, userID); err != nil {
		manager.logger.Warn("session cache clear failed",
			zap.String("code", "strava_token.cache_clear"),
			zap.String("user_id", userID),
			zap.Error(err))
	}
	return nil
}

// Status describes a user's Strava connection without refreshing it.
type Status struct {
	Connected    bool       `json:"connected"`
	AthleteID    int64      `json:"athlete_id,omitempty"`
	AthleteName  string     `json:"athlete_name,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	NeedsRefresh bool       `json:"needs_refresh"`
}

// Status reports the stored connection state for userID.
func (manager *Manager) Status(ctx context.Context, userID string) (Status, error) {
	if strings.TrimSpace(userID) == "" {
		return Status{}, fmt.Errorf("strava_token.status: %w", ErrAuthenticationRequired)
	}
	stored, err := manager.store.Load(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return Status{Connected: false}, nil
		}
		return Status{}, fmt.Errorf("strava_token.status: %w", err)
	}
	expiresAt := stored.ExpiresTime()
	return Status{
		Connected:    true,
		AthleteID:    stored.AthleteID,
		AthleteName:  stored.AthleteName,
		ExpiresAt:    &expiresAt,
		NeedsRefresh: !stored.ValidAt(manager.now()),
	}, nil
}

func (manager *Manager) writeCache(ctx context.Context, record Record) {
	if err := manager.cache.Set(ctx, record); err != nil {
		manager.logger.Warn("session cache write failed",
			zap.String("code", "strava_token.cache_write"),
			zap.String("user_id", record.UserID),
			zap.Error(err))
	}
}

func (manager *Manager) purge(ctx context.Context, userID string) {
	if err := manager.store.Delete(ctx, userID); err != nil {
		manager.logger.Error("failed to delete rejected token",
			zap.String("code", "strava_token.purge_store"),
			zap.String("user_id", userID),
			zap.Error(err))
	}
	if err := manager.cache.Clear(ctx, userID); err != nil {
		manager.logger.Warn("failed to clear rejected token from cache",
			zap.String("code", "strava_token.purge_cache"),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}
