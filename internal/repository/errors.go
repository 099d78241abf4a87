package repository

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

var (
	// ErrStatusConflict means the request was no longer pending when the decision ran.
	ErrStatusConflict = errors.New("enroll request already decided")
	// ErrUsernameTaken means a concurrent writer reserved the username first.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrPasswordChanged means the stored hash changed since it was read.
	ErrPasswordChanged = errors.New("password changed concurrently")
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	return false
}
