package profile

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/takurabid/takurabid/pkg/middleware"
	"github.com/takurabid/takurabid/pkg/response"
)

// Handler handles HTTP requests for profile operations
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new profile handler with service dependency injected
func NewHandler(service *Service, v *validator.Validate) *Handler {
	return &Handler{service: service, validator: v}
}

// Routes returns the router for profile endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/me", h.GetMe)
	r.Put("/me", h.UpdateMe)

	return r
}

func currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
		return uuid.Nil, false
	}
	return userID, true
}

// Create handles POST /profiles
// @Summary      Create the caller's profile
// @Description  Link a client or driver profile to the authenticated identity.
// @Description  email defaults to the token's email claim.
// @Tags         profiles
// @Accept       json
// @Produce      json
// @Param        request body CreateProfileRequest true "Profile creation request"
// @Success      201 {object} response.APIResponse{data=ProfileResponse}
// @Failure      400 {object} response.APIResponse
// @Failure      409 {object} response.APIResponse
// @Failure      422 {object} response.APIResponse
// @Router       /profiles [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	authID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req CreateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	req.FullName = strings.TrimSpace(req.FullName)
	if req.Email == "" {
		req.Email, _ = middleware.GetEmail(r.Context())
	}
	if err := h.validator.Struct(req); err != nil {
		response.UnprocessableEntity(w, "validation error: "+err.Error())
		return
	}

	p, err := h.service.Create(r.Context(), authID, &req)
	if err != nil {
		if errors.Is(err, ErrProfileExists) {
			response.Conflict(w, err.Error())
			return
		}
		response.InternalError(w, "Failed to create profile")
		return
	}

	response.JSON(w, http.StatusCreated, p.ToResponse())
}

// GetMe handles GET /profiles/me
// @Summary      Get the caller's profile
// @Tags         profiles
// @Produce      json
// @Success      200 {object} response.APIResponse{data=ProfileResponse}
// @Failure      404 {object} response.APIResponse
// @Router       /profiles/me [get]
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	authID, ok := currentUser(w, r)
	if !ok {
		return
	}

	p, err := h.service.GetByAuthID(r.Context(), authID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			response.NotFound(w, err.Error())
			return
		}
		response.InternalError(w, "Failed to get profile")
		return
	}

	response.JSON(w, http.StatusOK, p.ToResponse())
}

// UpdateMe handles PUT /profiles/me
// @Summary      Update the caller's profile
// @Tags         profiles
// @Accept       json
// @Produce      json
// @Param        request body UpdateProfileRequest true "Profile update request"
// @Success      200 {object} response.APIResponse{data=ProfileResponse}
// @Failure      400 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Failure      422 {object} response.APIResponse
// @Router       /profiles/me [put]
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	authID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	if req.FullName != nil {
		trimmed := strings.TrimSpace(*req.FullName)
		req.FullName = &trimmed
	}
	if err := h.validator.Struct(req); err != nil {
		response.UnprocessableEntity(w, "validation error: "+err.Error())
		return
	}

	p, err := h.service.Update(r.Context(), authID, &req)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			response.NotFound(w, err.Error())
			return
		}
		response.InternalError(w, "Failed to update profile")
		return
	}

	response.JSON(w, http.StatusOK, p.ToResponse())
}
