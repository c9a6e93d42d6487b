package models

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

type User struct {
	ID   int64
	Name string
	Role Role
}

func (u User) IsAdmin() bool   { return u.Role == RoleAdmin }
func (u User) IsTeacher() bool { return u.Role == RoleTeacher || u.Role == RoleAdmin }
func (u User) IsStudent() bool { return u.Role == RoleStudent }
