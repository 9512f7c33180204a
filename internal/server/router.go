package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/conflict"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/queue"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/status"
	"github.com/puja809/kisan-sahayak-ai-sub008/internal/worker"
)

// userIDHeader is injected by the API gateway in front of this service.
const userIDHeader = "X-User-Id"

var (
	errMissingQueueService    = errors.New("queue service dependency required")
	errMissingConflictService = errors.New("conflict service dependency required")
	errMissingStatusTracker   = errors.New("status tracker dependency required")
)

// Dependencies carries the services the HTTP layer exposes.
type Dependencies struct {
	Queue     *queue.Service
	Conflicts *conflict.Service
	Tracker   *status.Tracker
	Drainer   *worker.Drainer
	Registry  *prometheus.Registry
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Queue == nil {
		return nil, errMissingQueueService
	}
	if deps.Conflicts == nil {
		return nil, errMissingConflictService
	}
	if deps.Tracker == nil {
		return nil, errMissingStatusTracker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", userIDHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		queue:     deps.Queue,
		conflicts: deps.Conflicts,
		tracker:   deps.Tracker,
		drainer:   deps.Drainer,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	sync := router.Group("/sync")
	sync.POST("/queue", handler.handleEnqueue)
	sync.GET("/queue/:userId/pending", handler.handlePendingItems)
	sync.DELETE("/queue/:userId/completed", handler.handleClearCompleted)
	sync.DELETE("/queue/:userId/items/:itemId", handler.handleCancelItem)
	sync.GET("/status/:userId", handler.handleStatus)
	sync.POST("/offline/:userId", handler.handleEnterOffline)
	sync.POST("/online/:userId", handler.handleExitOffline)
	sync.POST("/trigger/:userId", handler.handleTrigger)
	sync.GET("/conflicts/:userId", handler.handleListConflicts)
	// Auto-resolve identifies the user via the gateway header so the POST
	// route tree keeps a single wildcard name under /conflicts.
	sync.POST("/conflicts/auto-resolve", handler.handleAutoResolveAll)
	sync.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	sync.PUT("/device/:userId", handler.handleUpdateDevice)

	return router, nil
}

type httpHandler struct {
	queue     *queue.Service
	conflicts *conflict.Service
	tracker   *status.Tracker
	drainer   *worker.Drainer
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type enqueueRequestPayload struct {
	EntityType            string  `json:"entity_type"`
	OperationType         string  `json:"operation_type"`
	EntityID              *string `json:"entity_id,omitempty"`
	Payload               string  `json:"payload"`
	ClientTimestampMillis int64   `json:"client_timestamp_ms,omitempty"`
	Priority              int     `json:"priority,omitempty"`
}

type mutationPayload struct {
	QueueID               string  `json:"queue_id"`
	UserID                string  `json:"user_id"`
	EntityType            string  `json:"entity_type"`
	EntityID              *string `json:"entity_id,omitempty"`
	OperationType         string  `json:"operation_type"`
	Priority              int     `json:"priority"`
	Status                string  `json:"status"`
	RetryCount            int     `json:"retry_count"`
	LastError             string  `json:"last_error,omitempty"`
	ClientTimestampMillis int64   `json:"client_timestamp_ms"`
	CreatedAtMillis       int64   `json:"created_at_ms"`
	ProcessedAtMillis     *int64  `json:"processed_at_ms,omitempty"`
}

func toMutationPayload(item queue.Mutation) mutationPayload {
	return mutationPayload{
		QueueID:               item.ID,
		UserID:                item.UserID,
		EntityType:            item.EntityType,
		EntityID:              item.EntityID,
		OperationType:         string(item.OperationType),
		Priority:              item.Priority,
		Status:                string(item.Status),
		RetryCount:            item.RetryCount,
		LastError:             item.LastError,
		ClientTimestampMillis: item.ClientTimestampMillis,
		CreatedAtMillis:       item.CreatedAtMillis,
		ProcessedAtMillis:     item.ProcessedAtMillis,
	}
}

func (h *httpHandler) handleEnqueue(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(userIDHeader))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_user_id"})
		return
	}

	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	item, err := h.queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		UserID:                userID,
		EntityType:            request.EntityType,
		EntityID:              request.EntityID,
		OperationType:         request.OperationType,
		Payload:               request.Payload,
		ClientTimestampMillis: request.ClientTimestampMillis,
		Priority:              request.Priority,
	})
	if err != nil {
		var serviceErr *queue.ServiceError
		if errors.As(err, &serviceErr) && strings.HasSuffix(serviceErr.Code(), "invalid_request") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mutation", "code": serviceErr.Code()})
			return
		}
		h.logger.Error("enqueue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}

	c.JSON(http.StatusCreated, toMutationPayload(item))
}

func (h *httpHandler) handlePendingItems(c *gin.Context) {
	userID := c.Param("userId")
	items, err := h.queue.PendingItems(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("pending listing failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	response := make([]mutationPayload, 0, len(items))
	for _, item := range items {
		response = append(response, toMutationPayload(item))
	}
	c.JSON(http.StatusOK, gin.H{"items": response})
}

func (h *httpHandler) handleClearCompleted(c *gin.Context) {
	userID := c.Param("userId")
	cleared, err := h.queue.ClearCompleted(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("clear completed failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *httpHandler) handleCancelItem(c *gin.Context) {
	itemID := c.Param("itemId")
	err := h.queue.CancelPending(c.Request.Context(), itemID)
	switch {
	case errors.Is(err, queue.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "item_not_found"})
	case errors.Is(err, queue.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "item_in_flight"})
	case err != nil:
		h.logger.Error("cancel failed", zap.String("queue_id", itemID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	userID := c.Param("userId")
	snapshot, err := h.tracker.Snapshot(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("status snapshot failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleEnterOffline(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.tracker.EnterOfflineMode(c.Request.Context(), userID); err != nil {
		h.logger.Error("enter offline failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "offline_failed"})
		return
	}
	snapshot, err := h.tracker.Snapshot(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleExitOffline(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.tracker.ExitOfflineMode(c.Request.Context(), userID); err != nil {
		h.logger.Error("exit offline failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "online_failed"})
		return
	}

	// Returning online triggers a replay pass without blocking the response.
	if h.drainer != nil {
		go func() {
			if err := h.drainer.SyncUser(context.Background(), userID); err != nil {
				h.logger.Error("post-online drain failed", zap.String("user_id", userID), zap.Error(err))
			}
		}()
	}

	snapshot, err := h.tracker.Snapshot(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleTrigger(c *gin.Context) {
	userID := c.Param("userId")
	if h.drainer != nil {
		if err := h.drainer.SyncUser(c.Request.Context(), userID); err != nil {
			h.logger.Error("triggered drain failed", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
			return
		}
	}
	snapshot, err := h.tracker.Snapshot(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type conflictPayload struct {
	ConflictID            string `json:"conflict_id"`
	UserID                string `json:"user_id"`
	EntityType            string `json:"entity_type"`
	EntityID              string `json:"entity_id"`
	LocalData             string `json:"local_data"`
	LocalTimestampMillis  int64  `json:"local_timestamp_ms"`
	RemoteData            string `json:"remote_data"`
	RemoteTimestampMillis int64  `json:"remote_timestamp_ms"`
	RemoteDeviceID        string `json:"remote_device_id"`
	ResolutionStrategy    string `json:"resolution_strategy,omitempty"`
	Status                string `json:"status"`
	ResolvedData          string `json:"resolved_data,omitempty"`
	SuggestedWinner       string `json:"suggested_winner"`
	DetectedAtMillis      int64  `json:"detected_at_ms"`
	ResolvedAtMillis      *int64 `json:"resolved_at_ms,omitempty"`
	ResolvedBy            string `json:"resolved_by,omitempty"`
}

func toConflictPayload(record conflict.Conflict) conflictPayload {
	return conflictPayload{
		ConflictID:            record.ID,
		UserID:                record.UserID,
		EntityType:            record.EntityType,
		EntityID:              record.EntityID,
		LocalData:             record.LocalData,
		LocalTimestampMillis:  record.LocalTimestampMillis,
		RemoteData:            record.RemoteData,
		RemoteTimestampMillis: record.RemoteTimestampMillis,
		RemoteDeviceID:        record.RemoteDeviceID,
		ResolutionStrategy:    string(record.ResolutionStrategy),
		Status:                string(record.Status),
		ResolvedData:          record.ResolvedData,
		SuggestedWinner:       record.SuggestedWinner,
		DetectedAtMillis:      record.DetectedAtMillis,
		ResolvedAtMillis:      record.ResolvedAtMillis,
		ResolvedBy:            record.ResolvedBy,
	}
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	userID := c.Param("userId")
	records, err := h.conflicts.OpenConflicts(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("conflict listing failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}

	response := make([]conflictPayload, 0, len(records))
	for _, record := range records {
		response = append(response, toConflictPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": response})
}

type resolveRequestPayload struct {
	Strategy     string  `json:"strategy"`
	ResolvedData *string `json:"resolved_data,omitempty"`
	ResolvedBy   string  `json:"resolved_by,omitempty"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	conflictID := c.Param("id")

	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	strategy, err := conflict.ParseStrategy(request.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_strategy"})
		return
	}

	var resolved conflict.Conflict
	if strategy == conflict.StrategyManual {
		resolved, err = h.conflicts.ResolveManually(c.Request.Context(), conflictID, request.ResolvedData, request.ResolvedBy)
	} else {
		resolved, err = h.conflicts.Resolve(c.Request.Context(), conflictID, strategy)
	}
	switch {
	case errors.Is(err, conflict.ErrConflictNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conflict_not_found"})
		return
	case err != nil:
		h.logger.Error("conflict resolution failed", zap.String("conflict_id", conflictID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
		return
	}

	if h.drainer != nil && resolved.Resolved() {
		if err := h.drainer.ReleaseResolved(c.Request.Context(), resolved); err != nil {
			h.logger.Error("resolved conflict release failed", zap.String("conflict_id", conflictID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, toConflictPayload(resolved))
}

func (h *httpHandler) handleAutoResolveAll(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(userIDHeader))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_user_id"})
		return
	}
	resolved, err := h.conflicts.AutoResolveAll(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("auto-resolve-all failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

type devicePayload struct {
	DeviceID   string `json:"device_id"`
	AppVersion string `json:"app_version"`
}

func (h *httpHandler) handleUpdateDevice(c *gin.Context) {
	userID := c.Param("userId")

	var request devicePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.tracker.UpdateDeviceInfo(c.Request.Context(), userID, request.DeviceID, request.AppVersion); err != nil {
		h.logger.Error("device update failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device_update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
