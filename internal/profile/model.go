package profile

import (
	"time"

	"github.com/google/uuid"
)

// Role is the marketplace side a profile acts on.
type Role string

const (
	RoleClient Role = "client"
	RoleDriver Role = "driver"
)

// Profile is the local record linked to a hosted identity.
type Profile struct {
	ID          uuid.UUID `json:"id"`
	AuthID      uuid.UUID `json:"auth_id"`
	Role        Role      `json:"role"`
	FullName    string    `json:"full_name"`
	Email       string    `json:"email"`
	CompanyName *string   `json:"company_name,omitempty"`
	Phone       *string   `json:"phone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
