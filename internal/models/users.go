package models

import "time"

const (
	RoleUser    = "user"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// Account is the stored login principal
type Account struct {
	UserBucket    int        `db:"user_bucket" json:"-"`
	ID            string     `db:"user_id" json:"id"`
	Email         string     `db:"email" json:"email"`
	PasswordHash  string     `db:"password_hash" json:"-"`
	FirstName     string     `db:"first_name" json:"firstName,omitempty"`
	LastName      string     `db:"last_name" json:"lastName,omitempty"`
	Role          string     `db:"role" json:"role"`
	IsActive      bool       `db:"is_active" json:"isActive"`
	EmailVerified bool       `db:"email_verified" json:"emailVerified"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     *time.Time `db:"updated_at" json:"updatedAt,omitempty"`
	LastLogin     *time.Time `db:"last_login" json:"lastLogin,omitempty"`
}

// Profile strips credential material
func (a *Account) Profile() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.PasswordHash = ""
	return &cp
}
