package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a newsletter, user, or delivery does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownDelivery is returned by RecordView/RecordSent when the
	// newsletter or user referenced by the pair does not exist.
	ErrUnknownDelivery = errors.New("unknown newsletter or user")

	// ErrDuplicateEmail is returned when registering an email that already exists.
	ErrDuplicateEmail = errors.New("email already registered")
)

// Newsletter is a broadcast written by a page owner.
type Newsletter struct {
	ID        uuid.UUID `json:"id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"` // html/template source
	CreatedAt time.Time `json:"created_at"`
}

// User is a newsletter recipient.
type User struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Delivery tracks one newsletter addressed to one user.
// (NewsletterID, UserID) is the primary key.
type Delivery struct {
	NewsletterID  uuid.UUID  `json:"newsletter_id"`
	UserID        uuid.UUID  `json:"user_id"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	FirstViewedAt *time.Time `json:"first_viewed_at,omitempty"`
	ViewedAt      *time.Time `json:"viewed_at,omitempty"` // most recent view
	ViewCount     int        `json:"view_count"`
	ViewerIP      string     `json:"viewer_ip,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DeliveryStats summarises the delivery records of one newsletter.
type DeliveryStats struct {
	NewsletterID uuid.UUID `json:"newsletter_id"`
	Total        int       `json:"total"`
	Sent         int       `json:"sent"`
	Viewed       int       `json:"viewed"`
	Views        int       `json:"views"`
}
