package rbac

import "testing"

func TestAllowed(t *testing.T) {
	cases := []struct {
		name       string
		role       Role
		permission Permission
		isCreator  bool
		allow      bool
	}{
		{name: "visitor view space", role: RoleVisitor, permission: ViewSpace, allow: true},
		{name: "visitor view blocks", role: RoleVisitor, permission: ViewBlocks, allow: true},
		{name: "visitor edit blocks", role: RoleVisitor, permission: EditBlocks, allow: false},
		{name: "visitor create blocks", role: RoleVisitor, permission: CreateBlocks, allow: false},
		{name: "participant edit blocks", role: RoleParticipant, permission: EditBlocks, allow: true},
		{name: "participant reorder blocks", role: RoleParticipant, permission: ReorderBlocks, allow: true},
		{name: "participant manage members", role: RoleParticipant, permission: ManageMembers, allow: false},
		{name: "participant edit settings", role: RoleParticipant, permission: EditSpaceSettings, allow: false},
		{name: "admin manage members", role: RoleAdmin, permission: ManageMembers, allow: true},
		{name: "admin delete space", role: RoleAdmin, permission: DeleteSpace, allow: true},
		{name: "unknown role", role: Role("owner"), permission: ViewSpace, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Allowed(tc.role, tc.permission, tc.isCreator); got != tc.allow {
				t.Fatalf("Allowed(%q, %q, %v) = %v, want %v", tc.role, tc.permission, tc.isCreator, got, tc.allow)
			}
		})
	}
}

func TestCreatorOverrideGatesDeleteSpaceOnly(t *testing.T) {
	if Allowed(RoleParticipant, DeleteSpace, false) {
		t.Fatal("participant without creator flag must not delete a space")
	}
	if !Allowed(RoleParticipant, DeleteSpace, true) {
		t.Fatal("creator must keep delete rights regardless of role")
	}
	if !Allowed(RoleVisitor, DeleteSpace, true) {
		t.Fatal("creator override must not depend on stored role")
	}
	if Allowed(RoleVisitor, ManageMembers, true) {
		t.Fatal("creator flag must not grant permissions other than delete_space")
	}
}

// Role sets are strictly nested: anything a lower role may do, every
// higher role may do as well.
func TestRolePrivilegeNesting(t *testing.T) {
	permissions := []Permission{
		ViewSpace, EditSpaceSettings, ManageMembers,
		ViewBlocks, CreateBlocks, EditBlocks, DeleteBlocks, ReorderBlocks,
	}
	order := []Role{RoleVisitor, RoleParticipant, RoleAdmin}
	for _, p := range permissions {
		for i, lower := range order[:len(order)-1] {
			if !Allowed(lower, p, false) {
				continue
			}
			for _, higher := range order[i+1:] {
				if !Allowed(higher, p, false) {
					t.Fatalf("%s allows %s but %s does not", lower, p, higher)
				}
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("admin") != RoleAdmin {
		t.Fatal("admin should normalize to RoleAdmin")
	}
	if Normalize("moderator") != RoleVisitor {
		t.Fatal("unknown roles should fall back to visitor")
	}
}
