package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/takurabid/takurabid/internal/metrics"
	"github.com/takurabid/takurabid/pkg/middleware"
	"github.com/takurabid/takurabid/pkg/response"
)

// streamBuffer is how many events a slow stream client may lag behind
// before events are dropped for it.
const streamBuffer = 32

// Subscriber opens change-feed subscriptions. *Feed implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, userID uuid.UUID, handler Callback) (*Subscription, error)
}

// Handler handles HTTP requests for notification operations
type Handler struct {
	service      *Service
	feed         Subscriber
	validator    *validator.Validate
	log          *zap.Logger
	pingInterval time.Duration
}

// NewHandler creates a new notification handler
func NewHandler(service *Service, feed Subscriber, v *validator.Validate, log *zap.Logger, pingInterval time.Duration) *Handler {
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	return &Handler{service: service, feed: feed, validator: v, log: log, pingInterval: pingInterval}
}

// Routes returns the router for notification endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Delete("/", h.ClearAll)
	r.Get("/unread-count", h.GetUnreadCount)
	r.Get("/stream", h.Stream)
	r.Post("/read-all", h.MarkAllAsRead)
	r.Post("/{id}/read", h.MarkAsRead)
	r.Delete("/{id}", h.Delete)

	return r
}

// NotificationResponse represents the response for a notification
type NotificationResponse struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Link      *string        `json:"link,omitempty"`
	Read      bool           `json:"read"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Icon      string         `json:"icon"`
	Color     string         `json:"color"`
	CreatedAt string         `json:"created_at"`
}

// CreateNotificationRequest is the producer payload for a new notification
type CreateNotificationRequest struct {
	UserID   string         `json:"user_id" validate:"required,uuid"`
	Type     string         `json:"type" validate:"required,oneof=message load payment system bid job"`
	Title    string         `json:"title" validate:"required,max=200"`
	Body     string         `json:"body" validate:"max=2000"`
	Link     *string        `json:"link,omitempty" validate:"omitempty,max=2048"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func toResponse(n *Notification) *NotificationResponse {
	return &NotificationResponse{
		ID:        n.ID.String(),
		UserID:    n.UserID.String(),
		Type:      string(n.Type),
		Title:     n.Title,
		Body:      n.Body,
		Link:      n.Link,
		Read:      n.Read,
		Metadata:  n.Metadata,
		Icon:      Icon(n.Type),
		Color:     Color(n.Type),
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
		return uuid.Nil, false
	}
	return userID, true
}

// List handles GET /notifications
// @Summary      List notifications
// @Description  Newest-first notifications of the authenticated user
// @Tags         notifications
// @Produce      json
// @Param        limit query int false "Maximum number of items" default(50)
// @Param        unread_only query bool false "Only unread notifications"
// @Success      200 {object} response.APIResponse{data=[]NotificationResponse}
// @Failure      401 {object} response.APIResponse
// @Router       /notifications [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	unreadOnly := r.URL.Query().Get("unread_only") == "true"

	notifications, err := h.service.List(r.Context(), userID, ListOptions{Limit: limit, UnreadOnly: unreadOnly})
	if err != nil {
		response.InternalError(w, "Failed to list notifications")
		return
	}

	items := make([]*NotificationResponse, len(notifications))
	for i, n := range notifications {
		items[i] = toResponse(n)
	}

	response.JSONWithMeta(w, http.StatusOK, items, &response.Meta{
		Limit: h.service.normalizeLimit(limit),
		Count: len(items),
	})
}

// GetUnreadCount handles GET /notifications/unread-count
// @Summary      Unread count
// @Tags         notifications
// @Produce      json
// @Success      200 {object} response.APIResponse
// @Router       /notifications/unread-count [get]
func (h *Handler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	count, err := h.service.GetUnreadCount(r.Context(), userID)
	if err != nil {
		response.InternalError(w, "Failed to get unread count")
		return
	}

	response.JSON(w, http.StatusOK, map[string]int{"unread_count": count})
}

// Create handles POST /notifications
// @Summary      Create a notification
// @Description  Producer endpoint. Only a service_role token may target another user.
// @Tags         notifications
// @Accept       json
// @Produce      json
// @Param        request body CreateNotificationRequest true "Notification"
// @Success      201 {object} response.APIResponse{data=NotificationResponse}
// @Failure      400 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Failure      422 {object} response.APIResponse
// @Router       /notifications [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.log.Debug("invalid notification request", zap.Error(err))
		response.UnprocessableEntity(w, "validation error: "+err.Error())
		return
	}

	target, err := uuid.Parse(req.UserID)
	if err != nil {
		response.UnprocessableEntity(w, "Invalid user ID")
		return
	}
	if target != caller && !middleware.IsService(r.Context()) {
		response.Forbidden(w, "Only service producers may notify other users")
		return
	}

	n, err := h.service.CreateNotification(r.Context(), CreateParams{
		UserID:   target,
		Type:     Type(req.Type),
		Title:    req.Title,
		Body:     req.Body,
		Link:     req.Link,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidType) || errors.Is(err, ErrInvalidNotification) {
			response.UnprocessableEntity(w, err.Error())
			return
		}
		response.InternalError(w, "Failed to create notification")
		return
	}

	response.JSON(w, http.StatusCreated, toResponse(n))
}

// ownedID parses {id} and checks that the row, if it exists, belongs to the
// caller. A missing row passes: mutations on it are no-ops.
func (h *Handler) ownedID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := currentUser(w, r)
	if !ok {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid notification ID")
		return uuid.Nil, false
	}

	n, err := h.service.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, ErrNotificationNotFound):
		return id, true
	case err != nil:
		response.InternalError(w, "Failed to load notification")
		return uuid.Nil, false
	case n.UserID != userID:
		response.Forbidden(w, ErrNotRecipient.Error())
		return uuid.Nil, false
	}
	return id, true
}

// MarkAsRead handles POST /notifications/{id}/read
// @Summary      Mark one notification as read
// @Tags         notifications
// @Produce      json
// @Param        id path string true "Notification ID"
// @Success      200 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Router       /notifications/{id}/read [post]
func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedID(w, r)
	if !ok {
		return
	}

	if err := h.service.MarkAsRead(r.Context(), id); err != nil {
		response.InternalError(w, "Failed to mark notification as read")
		return
	}

	response.JSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

// MarkAllAsRead handles POST /notifications/read-all
// @Summary      Mark all notifications as read
// @Tags         notifications
// @Produce      json
// @Success      200 {object} response.APIResponse
// @Router       /notifications/read-all [post]
func (h *Handler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	updated, err := h.service.MarkAllAsRead(r.Context(), userID)
	if err != nil {
		response.InternalError(w, "Failed to mark all notifications as read")
		return
	}

	response.JSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// Delete handles DELETE /notifications/{id}
// @Summary      Delete one notification
// @Tags         notifications
// @Produce      json
// @Param        id path string true "Notification ID"
// @Success      200 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Router       /notifications/{id} [delete]
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteNotification(r.Context(), id); err != nil {
		response.InternalError(w, "Failed to delete notification")
		return
	}

	response.JSON(w, http.StatusOK, map[string]string{"message": "Notification deleted"})
}

// ClearAll handles DELETE /notifications
// @Summary      Delete all notifications
// @Tags         notifications
// @Produce      json
// @Success      200 {object} response.APIResponse
// @Router       /notifications [delete]
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	deleted, err := h.service.ClearAll(r.Context(), userID)
	if err != nil {
		response.InternalError(w, "Failed to clear notifications")
		return
	}

	response.JSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// Stream handles GET /notifications/stream
// @Summary      Live notifications
// @Description  Server-Sent Events, one "notification" event per insert. A
// @Description  listing fetched before connecting may overlap; de-duplicate by id.
// @Tags         notifications
// @Produce      text/event-stream
// @Success      200
// @Router       /notifications/stream [get]
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	events := make(chan Notification, streamBuffer)

	sub, err := h.feed.Subscribe(ctx, userID, func(n Notification) {
		select {
		case events <- n:
		default:
			metrics.StreamDropped.Inc()
			h.log.Warn("stream client too slow, dropping notification",
				zap.Stringer("user_id", userID),
				zap.Stringer("notification_id", n.ID),
			)
		}
	})
	if err != nil {
		h.log.Error("failed to subscribe", zap.Stringer("user_id", userID), zap.Error(err))
		response.InternalError(w, "Failed to open notification stream")
		return
	}
	defer sub.Close()

	stream, err := response.NewEventStream(w)
	if err != nil {
		response.InternalError(w, "Streaming unsupported")
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case n := <-events:
			if err := stream.Send("notification", n.ID.String(), toResponse(&n)); err != nil {
				return
			}
		case <-ticker.C:
			if err := stream.Comment("ping"); err != nil {
				return
			}
		}
	}
}
