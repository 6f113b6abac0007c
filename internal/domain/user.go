package domain

import "time"

// User is an account known to the user service. Supporters are users
// whose role is in the configured supporter role set.
type User struct {
	ID        int64
	Email     string
	FullName  string
	RoleID    int64
	IsEnabled bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
