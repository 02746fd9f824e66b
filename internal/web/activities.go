package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/stravasync/internal/activities"
	"go.uber.org/zap"
)

const maxListLimit = 500

// ActivityQueries reads the stored activities of one user.
type ActivityQueries interface {
	GetByID(ctx context.Context, activityID int64) (activities.Activity, error)
	List(ctx context.Context, filter activities.Filter) ([]activities.Activity, error)
	Stats(ctx context.Context, filter activities.Filter) (activities.Stats, error)
}

// QueriesForUser scopes activity reads to one application user.
type QueriesForUser func(userID string) ActivityQueries

// TypeCatalog lists the known activity types.
type TypeCatalog interface {
	List(ctx context.Context) ([]activities.ActivityType, error)
}

// ActivityHandlers serves read-only activity queries.
type ActivityHandlers struct {
	queriesFor QueriesForUser
	types      TypeCatalog
	logger     *zap.Logger
}

// NewActivityHandlers wires the query handlers. Every read is scoped to the session user.
func NewActivityHandlers(queriesFor QueriesForUser, types TypeCatalog, logger *zap.Logger) *ActivityHandlers {
	if queriesFor == nil || types == nil {
		panic("activity handler dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityHandlers{queriesFor: queriesFor, types: types, logger: logger}
}

func (handlers *ActivityHandlers) queries(contextGin *gin.Context) ActivityQueries {
	return handlers.queriesFor(userIDOf(contextGin))
}

// Mount registers the activity routes on router.
func (handlers *ActivityHandlers) Mount(router gin.IRouter) {
	router.GET("/api/activities", handlers.handleList)
	router.GET("/api/activities/stats", handlers.handleStats)
	router.GET("/api/activities/:id", handlers.handleGet)
	router.GET("/api/activity-types", handlers.handleTypes)
}

func (handlers *ActivityHandlers) handleList(contextGin *gin.Context) {
	filter, err := parseFilter(contextGin, true)
	if err != nil {
		respondInvalid(contextGin, err.Error())
		return
	}
	listed, listErr := handlers.queries(contextGin).List(contextGin.Request.Context(), filter)
	if listErr != nil {
		respondError(contextGin, handlers.logger, "api.activities.list", listErr)
		return
	}
	if listed == nil {
		listed = []activities.Activity{}
	}
	contextGin.JSON(http.StatusOK, gin.H{"activities": listed, "count": len(listed)})
}

func (handlers *ActivityHandlers) handleStats(contextGin *gin.Context) {
	filter, err := parseFilter(contextGin, false)
	if err != nil {
		respondInvalid(contextGin, err.Error())
		return
	}
	stats, statsErr := handlers.queries(contextGin).Stats(contextGin.Request.Context(), filter)
	if statsErr != nil {
		respondError(contextGin, handlers.logger, "api.activities.stats", statsErr)
		return
	}
	contextGin.JSON(http.StatusOK, stats)
}

func (handlers *ActivityHandlers) handleGet(contextGin *gin.Context) {
	activityID, parseErr := parseActivityID(contextGin.Param("id"))
	if parseErr != nil {
		respondInvalid(contextGin, parseErr.Error())
		return
	}
	activity, err := handlers.queries(contextGin).GetByID(contextGin.Request.Context(), activityID)
	if err != nil {
		respondError(contextGin, handlers.logger, "api.activities.get", err)
		return
	}
	contextGin.JSON(http.StatusOK, activity)
}

func (handlers *ActivityHandlers) handleTypes(contextGin *gin.Context) {
	types, err := handlers.types.List(contextGin.Request.Context())
	if err != nil {
		respondError(contextGin, handlers.logger, "api.activity_types.list", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"activity_types": types})
}

func parseFilter(contextGin *gin.Context, paginated bool) (activities.Filter, error) {
	filter := activities.Filter{
		SportType: strings.TrimSpace(contextGin.Query("sport_type")),
		DayDate:   strings.TrimSpace(contextGin.Query("day_date")),
		StartDate: strings.TrimSpace(contextGin.Query("start_date")),
		EndDate:   strings.TrimSpace(contextGin.Query("end_date")),
		GearID:    strings.TrimSpace(contextGin.Query("gear_id")),
	}
	if !paginated {
		return filter, nil
	}
	var err error
	if filter.Limit, err = nonNegativeQuery(contextGin, "limit"); err != nil {
		return activities.Filter{}, err
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset, err = nonNegativeQuery(contextGin, "offset"); err != nil {
		return activities.Filter{}, err
	}
	return filter, nil
}

func nonNegativeQuery(contextGin *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(contextGin.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}
