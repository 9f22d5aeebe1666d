package domain

import "testing"

func TestParseUserRole(t *testing.T) {
	tests := []struct {
		in   string
		want UserRole
		ok   bool
	}{
		{in: "admin", want: RoleAdmin, ok: true},
		{in: " Librarian ", want: RoleLibrarian, ok: true},
		{in: "MEMBER", want: RoleMember, ok: true},
		{in: "user"},
		{in: ""},
	}
	for _, tc := range tests {
		got, ok := ParseUserRole(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseUserRole(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseUserStatus(t *testing.T) {
	if got, ok := ParseUserStatus("Disabled"); !ok || got != StatusDisabled {
		t.Fatalf("unexpected status parse: %q %v", got, ok)
	}
	if _, ok := ParseUserStatus("banned"); ok {
		t.Fatal("unknown status should not parse")
	}
}
