package auth

import "time"

type Role string

const (
	RoleTrader Role = "trader"
	RoleAdmin  Role = "admin"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID        string
	Email     string
	FullName  string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateUserRequest provisions a trader or administrator account.
type CreateUserRequest struct {
	Email    string `validate:"required,email,max=320"`
	FullName string `validate:"max=200"`
	Role     Role   `validate:"oneof=trader admin"`
}
