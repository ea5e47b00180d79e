package domain

// AuditAction identifies a security relevant event.
type AuditAction string

const (
	AuditLoginSuccess      AuditAction = "LOGIN_SUCCESS"
	AuditLoginFailed       AuditAction = "LOGIN_FAILED"
	AuditLoginError        AuditAction = "LOGIN_ERROR"
	AuditLogout            AuditAction = "LOGOUT"
	AuditPasswordChanged   AuditAction = "PASSWORD_CHANGED"
	AuditUserCreated       AuditAction = "USER_CREATED"
	AuditUserStatusChanged AuditAction = "USER_STATUS_CHANGED"
	AuditUserDeleted       AuditAction = "USER_DELETED"
	AuditDatabaseExported  AuditAction = "DATABASE_EXPORTED"
	AuditDatabaseImported  AuditAction = "DATABASE_IMPORTED"
)

// SecurityLogEntry is an immutable row of the security_logs table.
// Username is captured when the entry is written, not joined later.
type SecurityLogEntry struct {
	ID        int64       `json:"id"`
	UserID    *int64      `json:"user_id,omitempty"`
	Username  string      `json:"username"`
	Action    AuditAction `json:"action"`
	Details   string      `json:"details"`
	IPAddress *string     `json:"ip_address,omitempty"`
	CreatedAt string      `json:"created_at"`
}
