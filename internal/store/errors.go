package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrCodeTaken       = errors.New("join code already in use")
	ErrSessionFull     = errors.New("session already has a joiner")
	ErrVersionConflict = errors.New("session changed since it was read")
	ErrSessionClosed   = errors.New("session is no longer open")
	ErrRoundExists     = errors.New("round already recorded")
	ErrSlugTaken       = errors.New("profile slug already in use")
	ErrLinkUsed        = errors.New("magic link already used")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
