package domain

// Role names the privilege level of a user.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// User is a row of the users table. Password holds whatever the credential
// column stores (plaintext or a bcrypt hash) and is never serialized.
type User struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	Password  string  `json:"-"`
	Role      Role    `json:"role"`
	IsActive  bool    `json:"is_active"`
	CreatedAt string  `json:"created_at"`
	LastLogin *string `json:"last_login,omitempty"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}
