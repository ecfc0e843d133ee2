package profile

import "time"

// CreateProfileRequest represents the request body for linking a profile to
// the authenticated identity
type CreateProfileRequest struct {
	Role        Role    `json:"role" validate:"required,oneof=client driver"`
	FullName    string  `json:"full_name" validate:"required,min=2,max=100"`
	Email       string  `json:"email" validate:"required,email"`
	CompanyName *string `json:"company_name,omitempty" validate:"omitempty,max=200"`
	Phone       *string `json:"phone,omitempty" validate:"omitempty,e164"`
}

// UpdateProfileRequest represents the request body for updating a profile
type UpdateProfileRequest struct {
	FullName    *string `json:"full_name,omitempty" validate:"omitempty,min=2,max=100"`
	CompanyName *string `json:"company_name,omitempty" validate:"omitempty,max=200"`
	Phone       *string `json:"phone,omitempty" validate:"omitempty,e164"`
}

// ProfileResponse represents the response for a single profile
type ProfileResponse struct {
	ID          string  `json:"id"`
	Role        string  `json:"role"`
	FullName    string  `json:"full_name"`
	Email       string  `json:"email"`
	CompanyName *string `json:"company_name,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// ToResponse converts a Profile model to a ProfileResponse DTO
func (p *Profile) ToResponse() *ProfileResponse {
	return &ProfileResponse{
		ID:          p.ID.String(),
		Role:        string(p.Role),
		FullName:    p.FullName,
		Email:       p.Email,
		CompanyName: p.CompanyName,
		Phone:       p.Phone,
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}
