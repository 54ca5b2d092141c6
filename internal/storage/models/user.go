package models

import "time"

// User is the slice of the user profile this service reads. Preferences is
// an opaque JSON document owned by other parts of the application.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Preferences string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
