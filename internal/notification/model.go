package notification

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification represents one alert directed at one user.
// Only Read changes after creation, and only from false to true.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Link      *string   `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}

// Type represents the type of notification
type Type string

const (
	TypeMessage Type = "message"
	TypeLoad    Type = "load"
	TypePayment Type = "payment"
	TypeSystem  Type = "system"
	TypeBid     Type = "bid"
	TypeJob     Type = "job"
)

// Types lists every member of the closed enumeration.
var Types = []Type{TypeMessage, TypeLoad, TypePayment, TypeSystem, TypeBid, TypeJob}

// Valid reports whether t is a member of the closed enumeration.
func (t Type) Valid() bool {
	switch t {
	case TypeMessage, TypeLoad, TypePayment, TypeSystem, TypeBid, TypeJob:
		return true
	}
	return false
}

// Metadata is an opaque key/value payload stored as JSONB and passed
// through verbatim.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}

	if len(raw) == 0 || string(raw) == "null" {
		*m = nil
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	*m = out
	return nil
}

// CreateParams carries the producer-supplied fields of a new notification.
type CreateParams struct {
	UserID   uuid.UUID
	Type     Type
	Title    string
	Body     string
	Link     *string
	Metadata Metadata
}
