package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/viescolaire/procto/internal/models"
)

func CreateUser(ctx context.Context, q Querier, name string, role models.Role) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO users (name, role) VALUES ($1, $2) RETURNING id
	`, name, string(role)).Scan(&id)
	return id, err
}

func GetUser(ctx context.Context, q Querier, id int64) (*models.User, error) {
	var u models.User
	var role string
	err := q.QueryRowContext(ctx, `
		SELECT id, name, role FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Name, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

func CreateStudent(ctx context.Context, q Querier, s models.Student) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO students (full_name, birth_date, user_id)
		VALUES ($1, $2, $3) RETURNING id
	`, s.FullName, s.BirthDate, s.UserID).Scan(&id)
	return id, err
}

func GetStudent(ctx context.Context, q Querier, id int64) (*models.Student, error) {
	var s models.Student
	err := q.QueryRowContext(ctx, `
		SELECT id, full_name, birth_date, user_id FROM students WHERE id = $1
	`, id).Scan(&s.ID, &s.FullName, &s.BirthDate, &s.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
