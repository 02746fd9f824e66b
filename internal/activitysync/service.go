package activitysync

import (
	"context"
	"fmt"
	"time"

	"github.com/tyemirov/stravasync/internal/strava"
	"github.com/tyemirov/stravasync/internal/tokens"
	"go.uber.org/zap"
)

// SyncTimeout bounds one sync once it has left the request that started it.
const SyncTimeout = 5 * time.Minute

// TokenProvider yields a Strava access token that is valid for the next request.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context, userID string) (tokens.Record, error)
}

// ClientFactory builds a Strava client for one access token.
type ClientFactory func(ctx context.Context, accessToken string) ActivityClient

// Service runs syncs on behalf of application users, one at a time per user.
type Service struct {
	tokens       TokenProvider
	newClient    ClientFactory
	orchestrator *Orchestrator
	locks        *userLocks
	logger       *zap.Logger
}

// NewService composes the token provider, client factory and orchestrator.
func NewService(tokenProvider TokenProvider, newClient ClientFactory, orchestrator *Orchestrator, logger *zap.Logger) *Service {
	if tokenProvider == nil || newClient == nil || orchestrator == nil {
		panic("sync service dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tokens:       tokenProvider,
		newClient:    newClient,
		orchestrator: orchestrator,
		locks:        newUserLocks(),
		logger:       logger,
	}
}

// Sync runs a batch sync for userID once no other sync of that user is running.
// Once started, the sync runs to completion even if ctx is cancelled.
func (service *Service) Sync(ctx context.Context, userID string, request Request) (Result, error) {
	runCtx, client, release, err := service.begin(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("activity_sync.service.sync: %w", err)
	}
	defer release()
	result, err := service.orchestrator.Sync(runCtx, client, userID, request)
	if err != nil {
		return Result{}, err
	}
	service.logger.Info("user sync finished",
		zap.String("user_id", userID),
		zap.String("run_id", result.RunID),
		zap.String("message", result.Message))
	return result, nil
}

// SyncActivity refreshes one activity for userID.
func (service *Service) SyncActivity(ctx context.Context, userID string, activityID int64) (SingleResult, error) {
	runCtx, client, release, err := service.begin(ctx, userID)
	if err != nil {
		return SingleResult{}, fmt.Errorf("activity_sync.service.sync_activity: %w", err)
	}
	defer release()
	return service.orchestrator.SyncActivity(runCtx, client, userID, activityID)
}

// Athlete returns the Strava profile linked to userID.
func (service *Service) Athlete(ctx context.Context, userID string) (strava.Athlete, error) {
	record, err := service.tokens.EnsureValidToken(ctx, userID)
	if err != nil {
		return strava.Athlete{}, fmt.Errorf("activity_sync.service.athlete: %w", err)
	}
	athlete, err := service.newClient(ctx, record.AccessToken).GetAthlete(ctx)
	if err != nil {
		return strava.Athlete{}, fmt.Errorf("activity_sync.service.athlete: %w", service.orchestrator.classify(err))
	}
	return athlete, nil
}

// begin takes the user's lock and a valid token under the caller's ctx, then returns
// a context detached from it and bounded by SyncTimeout. release also cancels it.
func (service *Service) begin(ctx context.Context, userID string) (context.Context, ActivityClient, func(), error) {
	unlock, err := service.locks.acquire(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	record, err := service.tokens.EnsureValidToken(ctx, userID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SyncTimeout)
	release := func() {
		cancel()
		unlock()
	}
	return runCtx, service.newClient(runCtx, record.AccessToken), release, nil
}
