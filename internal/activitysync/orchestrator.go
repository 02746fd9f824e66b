package activitysync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/stravasync/internal/activities"
	"github.com/tyemirov/stravasync/internal/metrics"
	"github.com/tyemirov/stravasync/internal/normalize"
	"github.com/tyemirov/stravasync/internal/strava"
	"go.uber.org/zap"
)

const (
	// MaxLimit caps the number of activities one sync processes.
	MaxLimit = 200
	// DefaultLimit applies when a request names no positive limit.
	DefaultLimit = 30

	unknownActivityID = "unknown"
)

// ActivityClient is the Strava surface a sync needs; *strava.Client implements it.
type ActivityClient interface {
	ListActivities(ctx context.Context, options strava.ListOptions) ([]strava.Activity, error)
	GetActivity(ctx context.Context, activityID int64) (strava.Activity, error)
	GetAthlete(ctx context.Context) (strava.Athlete, error)
}

// Request bounds one batch sync. Zero times are not sent to Strava.
type Request struct {
	Limit        int
	After        time.Time
	Before       time.Time
	FetchDetails bool
}

// ItemError reports one activity that could not be synced.
type ItemError struct {
	ActivityID string `json:"activity_id"`
	Error      string `json:"error"`
}

// Result summarizes one batch sync.
type Result struct {
	RunID   string      `json:"run_id"`
	Created int         `json:"created"`
	Updated int         `json:"updated"`
	Skipped int         `json:"skipped"`
	Errors  []ItemError `json:"errors"`
	Message string      `json:"message"`
}

// SingleResult reports the sync of one activity.
type SingleResult struct {
	Created  bool                `json:"created"`
	Activity activities.Activity `json:"activity"`
	Message  string              `json:"message"`
}

type itemOutcome int

const (
	outcomeSkipped itemOutcome = iota
	outcomeCreated
	outcomeUpdated
)

// Orchestrator pulls activities from Strava and upserts them in one transaction per batch.
type Orchestrator struct {
	transactor Transactor
	types      *normalize.TypeCache
	logger     *zap.Logger
	metrics    metrics.MetricsRecorder
	newRunID   func() string
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(logger *zap.Logger) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithOrchestratorMetrics sets the event recorder.
func WithOrchestratorMetrics(recorder metrics.MetricsRecorder) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if recorder != nil {
			orchestrator.metrics = recorder
		}
	}
}

// WithRunIDGenerator replaces the random run id source.
func WithRunIDGenerator(generate func() string) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if generate != nil {
			orchestrator.newRunID = generate
		}
	}
}

// NewOrchestrator builds an orchestrator writing through transactor.
func NewOrchestrator(transactor Transactor, options ...OrchestratorOption) *Orchestrator {
	if transactor == nil {
		panic("sync transactor is required")
	}
	orchestrator := &Orchestrator{
		transactor: transactor,
		types:      normalize.NewTypeCache(),
		logger:     zap.NewNop(),
		metrics:    metrics.Discard{},
		newRunID:   func() string { return uuid.NewString() },
	}
	for _, option := range options {
		option(orchestrator)
	}
	return orchestrator
}

// Sync lists up to request.Limit activities of owner and upserts each one. Only a
// failed listing or a failed commit returns an error; per-item failures are collected
// in Result.Errors.
//
// Strava is read before the write transaction opens, and the write phase ignores
// cancellation of ctx so a fetched batch is always committed or rolled back whole.
func (orchestrator *Orchestrator) Sync(ctx context.Context, client ActivityClient, owner string, request Request) (Result, error) {
	limit := clampLimit(request.Limit)
	runID := orchestrator.newRunID()
	logger := orchestrator.logger.With(zap.String("run_id", runID), zap.String("user_id", owner))

	summaries, err := client.ListActivities(ctx, strava.ListOptions{
		Limit:  limit,
		After:  request.After,
		Before: request.Before,
	})
	if err != nil {
		classified := orchestrator.classify(err)
		logger.Warn("strava activity listing failed",
			zap.String("code", "activity_sync.list"),
			zap.Error(classified))
		return Result{}, fmt.Errorf("activity_sync.sync: %w", classified)
	}

	items, err := orchestrator.fetch(ctx, client, owner, summaries, request.FetchDetails)
	if err != nil {
		logger.Error("activity sync lookup failed",
			zap.String("code", "activity_sync.lookup"),
			zap.Error(err))
		return Result{}, fmt.Errorf("activity_sync.sync: %w", err)
	}

	result := Result{RunID: runID, Errors: []ItemError{}}
	var validated []string
	writeCtx := context.WithoutCancel(ctx)
	err = orchestrator.transactor.Execute(writeCtx, func(batch Batch) error {
		normalizer := orchestrator.newNormalizer(batch)
		store := batch.Activities(owner)
		for _, item := range items {
			outcome, itemErr := orchestrator.syncItem(writeCtx, batch, store, normalizer, item)
			if itemErr != nil {
				orchestrator.metrics.Increment(metrics.EventSyncItemError)
				logger.Warn("activity sync failed",
					zap.String("code", "activity_sync.item"),
					zap.String("activity_id", item.label()),
					zap.Error(itemErr))
				result.Errors = append(result.Errors, ItemError{ActivityID: item.label(), Error: itemErr.Error()})
				continue
			}
			switch outcome {
			case outcomeCreated:
				result.Created++
				orchestrator.metrics.Increment(metrics.EventSyncCreated)
			case outcomeUpdated:
				result.Updated++
				orchestrator.metrics.Increment(metrics.EventSyncUpdated)
			default:
				result.Skipped++
				orchestrator.metrics.Increment(metrics.EventSyncSkipped)
			}
		}
		validated = normalizer.Validated()
		return nil
	})
	if err != nil {
		logger.Error("activity sync batch rolled back",
			zap.String("code", "activity_sync.batch"),
			zap.Error(err))
		return Result{}, fmt.Errorf("activity_sync.sync: %w", err)
	}
	orchestrator.types.Add(validated...)

	result.Message = summaryMessage(result)
	logger.Info("activity sync completed",
		zap.Int("fetched", len(summaries)),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", len(result.Errors)))
	return result, nil
}

// SyncActivity fetches the detailed record of one activity of owner and upserts it.
func (orchestrator *Orchestrator) SyncActivity(ctx context.Context, client ActivityClient, owner string, activityID int64) (SingleResult, error) {
	detail, err := client.GetActivity(ctx, activityID)
	if err != nil {
		return SingleResult{}, fmt.Errorf("activity_sync.sync_activity: %w", orchestrator.classify(err))
	}

	var (
		single    SingleResult
		validated []string
	)
	writeCtx := context.WithoutCancel(ctx)
	err = orchestrator.transactor.Execute(writeCtx, func(batch Batch) error {
		normalizer := orchestrator.newNormalizer(batch)
		store := batch.Activities(owner)
		record := normalizer.Transform(writeCtx, detail)
		if record.ID == 0 {
			record.ID = activityID
		}
		_, exists, lookupErr := lookupExisting(writeCtx, store, record.ID)
		if lookupErr != nil {
			return lookupErr
		}
		outcome, stored, upsertErr := upsert(writeCtx, store, record, exists)
		if upsertErr != nil {
			return upsertErr
		}
		single = SingleResult{Created: outcome == outcomeCreated, Activity: stored}
		validated = normalizer.Validated()
		return nil
	})
	if err != nil {
		return SingleResult{}, fmt.Errorf("activity_sync.sync_activity: %d: %w", activityID, err)
	}
	orchestrator.types.Add(validated...)

	if single.Created {
		single.Message = "Activity created successfully"
		orchestrator.metrics.Increment(metrics.EventSyncCreated)
	} else {
		single.Message = "Activity updated successfully"
		orchestrator.metrics.Increment(metrics.EventSyncUpdated)
	}
	return single, nil
}

// pendingItem is one listed activity with the payload chosen for it.
type pendingItem struct {
	id     int64
	hasID  bool
	source strava.Activity
}

func (item pendingItem) label() string {
	if !item.hasID {
		return unknownActivityID
	}
	return strconv.FormatInt(item.id, 10)
}

// fetch picks the payload of every summary, downloading details for activities that
// are new or stored without a description. No transaction is open during client calls.
func (orchestrator *Orchestrator) fetch(ctx context.Context, client ActivityClient, owner string, summaries []strava.Activity, fetchDetails bool) ([]pendingItem, error) {
	items := make([]pendingItem, 0, len(summaries))
	for _, summary := range summaries {
		id, ok := normalize.ActivityID(summary)
		items = append(items, pendingItem{id: id, hasID: ok, source: summary})
	}
	if !fetchDetails {
		return items, nil
	}

	needsDetail, err := orchestrator.detailCandidates(ctx, owner, items)
	if err != nil {
		return nil, err
	}
	for index := range items {
		if needsDetail[items[index].id] {
			items[index].source = orchestrator.detailOrSummary(ctx, client, items[index].id, items[index].source)
		}
	}
	return items, nil
}

func (orchestrator *Orchestrator) detailCandidates(ctx context.Context, owner string, items []pendingItem) (map[int64]bool, error) {
	needsDetail := make(map[int64]bool, len(items))
	err := orchestrator.transactor.Execute(ctx, func(batch Batch) error {
		store := batch.Activities(owner)
		for _, item := range items {
			if !item.hasID {
				continue
			}
			existing, exists, err := lookupExisting(ctx, store, item.id)
			if err != nil {
				return err
			}
			if !exists || !existing.HasDescription() {
				needsDetail[item.id] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return needsDetail, nil
}

func (orchestrator *Orchestrator) newNormalizer(batch Batch) *normalize.Normalizer {
	return normalize.New(batch.Types(), orchestrator.types,
		normalize.WithLogger(orchestrator.logger),
		normalize.WithMetrics(orchestrator.metrics))
}

// syncItem writes one item inside its own savepoint. Panics are recovered into
// an item error and the sport types validated for the item are forgotten.
func (orchestrator *Orchestrator) syncItem(ctx context.Context, batch Batch, store ActivityStore, normalizer *normalize.Normalizer, item pendingItem) (outcome itemOutcome, err error) {
	if !item.hasID {
		return outcomeSkipped, nil
	}

	mark := normalizer.Mark()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrItemPanic, recovered)
		}
		if err != nil {
			normalizer.Rewind(mark)
		}
	}()

	err = batch.Savepoint(func() error {
		var applyErr error
		outcome, applyErr = applyItem(ctx, store, normalizer, item)
		return applyErr
	})
	return outcome, err
}

func applyItem(ctx context.Context, store ActivityStore, normalizer *normalize.Normalizer, item pendingItem) (itemOutcome, error) {
	_, exists, err := lookupExisting(ctx, store, item.id)
	if err != nil {
		return outcomeSkipped, err
	}
	record := normalizer.Transform(ctx, item.source)
	if record.ID == 0 {
		record.ID = item.id
	}
	outcome, _, err := upsert(ctx, store, record, exists)
	return outcome, err
}

func lookupExisting(ctx context.Context, store ActivityStore, id int64) (activities.Activity, bool, error) {
	existing, err := store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, activities.ErrActivityNotFound) {
			return activities.Activity{}, false, nil
		}
		return activities.Activity{}, false, err
	}
	return existing, true, nil
}

// upsert enforces the required columns for activities not stored yet.
func upsert(ctx context.Context, store ActivityStore, record activities.Activity, exists bool) (itemOutcome, activities.Activity, error) {
	if !exists {
		if missing := record.MissingRequiredFields(); len(missing) > 0 {
			return outcomeSkipped, activities.Activity{}, &activities.MissingFieldsError{Fields: missing}
		}
	}
	created, stored, err := store.Upsert(ctx, record)
	if err != nil {
		return outcomeSkipped, activities.Activity{}, err
	}
	if created {
		return outcomeCreated, stored, nil
	}
	return outcomeUpdated, stored, nil
}

func (orchestrator *Orchestrator) detailOrSummary(ctx context.Context, client ActivityClient, id int64, summary strava.Activity) strava.Activity {
	detail, err := client.GetActivity(ctx, id)
	if err != nil || detail == nil {
		orchestrator.metrics.Increment(metrics.EventSyncDetailFallback)
		orchestrator.logger.Warn("activity detail unavailable; using summary",
			zap.String("code", "activity_sync.detail_fallback"),
			zap.Int64("activity_id", id),
			zap.Error(err))
		return summary
	}
	return detail
}

func (orchestrator *Orchestrator) classify(err error) error {
	classified := classifyExternalError(err)
	if errors.Is(classified, ErrRateLimitExceeded) {
		orchestrator.metrics.Increment(metrics.EventSyncRateLimited)
	} else {
		orchestrator.metrics.Increment(metrics.EventSyncExternalError)
	}
	return classified
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func summaryMessage(result Result) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Sync completed: %d created, %d updated", result.Created, result.Updated)
	if result.Skipped > 0 {
		fmt.Fprintf(&builder, ", %d skipped", result.Skipped)
	}
	if len(result.Errors) > 0 {
		fmt.Fprintf(&builder, ", %d failed", len(result.Errors))
	}
	return builder.String()
}
