package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "editor write", role: RoleEditor, action: ActionWrite, allow: true},
		{name: "editor delete", role: RoleEditor, action: ActionDelete, allow: false},
		{name: "editor share", role: RoleEditor, action: ActionShare, allow: false},
		{name: "owner delete", role: RoleOwner, action: ActionDelete, allow: true},
		{name: "owner share", role: RoleOwner, action: ActionShare, allow: true},
		{name: "unknown role", role: Role("admin"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestAssignable(t *testing.T) {
	if Assignable(RoleOwner) {
		t.Error("owner must not be grantable to a collaborator")
	}
	if !Assignable(RoleEditor) || !Assignable(RoleViewer) {
		t.Error("editor and viewer are the grantable roles")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Errorf("Normalize(editor) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Errorf("unknown roles clamp to viewer, got %q", got)
	}
}
