package models

import "testing"

func TestRolePredicates(t *testing.T) {
	cases := []struct {
		role                         Role
		student, teacher, admin bool
	}{
		{RoleStudent, true, false, false},
		{RoleTeacher, false, true, false},
		{RoleAdmin, false, true, true},
	}
	for _, tc := range cases {
		u := User{Role: tc.role}
		if u.IsStudent() != tc.student || u.IsTeacher() != tc.teacher || u.IsAdmin() != tc.admin {
			t.Errorf("%s: got student=%v teacher=%v admin=%v", tc.role, u.IsStudent(), u.IsTeacher(), u.IsAdmin())
		}
	}
}
