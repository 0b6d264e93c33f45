// Package rbac maps a member's role within a space to the actions it may
// perform. The space creator keeps delete rights independent of role.
package rbac

type Role string
type Permission string

const (
	RoleAdmin       Role = "admin"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
)

const (
	ViewSpace         Permission = "view_space"
	EditSpaceSettings Permission = "edit_space_settings"
	DeleteSpace       Permission = "delete_space"
	ManageMembers     Permission = "manage_members"

	ViewBlocks    Permission = "view_blocks"
	CreateBlocks  Permission = "create_blocks"
	EditBlocks    Permission = "edit_blocks"
	DeleteBlocks  Permission = "delete_blocks"
	ReorderBlocks Permission = "reorder_blocks"
)

var rolePermissions = map[Role]map[Permission]struct{}{
	RoleAdmin: {
		ViewSpace:         {},
		EditSpaceSettings: {},
		DeleteSpace:       {},
		ManageMembers:     {},
		ViewBlocks:        {},
		CreateBlocks:      {},
		EditBlocks:        {},
		DeleteBlocks:      {},
		ReorderBlocks:     {},
	},
	RoleParticipant: {
		ViewSpace:     {},
		ViewBlocks:    {},
		CreateBlocks:  {},
		EditBlocks:    {},
		DeleteBlocks:  {},
		ReorderBlocks: {},
	},
	RoleVisitor: {
		ViewSpace:  {},
		ViewBlocks: {},
	},
}

// Allowed reports whether a member holding role may perform permission.
// DeleteSpace is granted to the space creator regardless of stored role.
func Allowed(role Role, permission Permission, isCreator bool) bool {
	if permission == DeleteSpace && isCreator {
		return true
	}
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	_, ok = perms[permission]
	return ok
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin, RoleParticipant, RoleVisitor:
		return Role(role)
	default:
		return RoleVisitor
	}
}
