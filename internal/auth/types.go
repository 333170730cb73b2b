package auth

import "time"

// User statuses. Only active users may authenticate or be authorized.
const (
	UserStatusActive    = "active"
	UserStatusInactive  = "inactive"
	UserStatusSuspended = "suspended"
)

// Departments a portal user can belong to.
const (
	DepartmentSahbandar = "sahbandar"
	DepartmentSPB       = "spb"
	DepartmentSHTI      = "shti"
	DepartmentEPIT      = "epit"
	DepartmentAdmin     = "admin"
)

// ValidUserStatus reports whether s is a known status.
func ValidUserStatus(s string) bool {
	switch s {
	case UserStatusActive, UserStatusInactive, UserStatusSuspended:
		return true
	}
	return false
}

// ValidDepartment reports whether d is a known department.
func ValidDepartment(d string) bool {
	switch d {
	case DepartmentSahbandar, DepartmentSPB, DepartmentSHTI, DepartmentEPIT, DepartmentAdmin:
		return true
	}
	return false
}

// User is a portal account.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name"`
	Department   string     `json:"department"`
	Status       string     `json:"status"`
	Roles        []string   `json:"roles"`
	PasswordHash string     `json:"-"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Active reports whether the account may act.
func (u User) Active() bool { return u.Status == UserStatusActive }

// Role groups permissions under an operator-editable name.
type Role struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"-"`
}
