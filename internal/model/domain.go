package model

import (
	"github.com/google/uuid"
)

type UserRole string

const (
	UserRoleOperatorAdmin UserRole = "OPERATOR_ADMIN"
	UserRoleOperator      UserRole = "OPERATOR"
	UserRoleViewer        UserRole = "VIEWER"
	UserRoleService       UserRole = "SERVICE"
)

type Principal struct {
	UserID uuid.UUID
	Role   UserRole
}

// CanTriggerCycle reports whether the principal may request an
// out-of-schedule analysis cycle.
func (p Principal) CanTriggerCycle() bool {
	return p.Role == UserRoleOperatorAdmin || p.Role == UserRoleOperator || p.Role == UserRoleService
}

func (p Principal) CanExport() bool {
	return p.Role != ""
}

func (p Principal) IsService() bool {
	return p.Role == UserRoleService
}
