package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"oathboard/api/internal/auth"
	"oathboard/api/internal/magiclink"
	"oathboard/api/internal/pairing"
	"oathboard/api/internal/profile"
	"oathboard/api/internal/store"
	"oathboard/api/internal/turn"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// sentinels maps package errors onto HTTP responses. Order matters only
// where one error wraps another.
var sentinels = []struct {
	err    error
	status int
	code   string
}{
	{pairing.ErrNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{pairing.ErrStoreUnavailable, http.StatusServiceUnavailable, "STORE_UNAVAILABLE"},
	{pairing.ErrSessionClosed, http.StatusConflict, "SESSION_CLOSED"},
	{pairing.ErrNotActive, http.StatusConflict, "SESSION_NOT_ACTIVE"},
	{pairing.ErrConflict, http.StatusConflict, "CONCURRENT_UPDATE"},
	{turn.ErrNotAuthorized, http.StatusForbidden, "NOT_YOUR_TURN"},
	{turn.ErrWrongPhase, http.StatusConflict, "WRONG_PHASE"},
	{turn.ErrNotRated, http.StatusConflict, "NOT_RATED"},
	{turn.ErrEmptyText, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{turn.ErrScoreRange, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{turn.ErrInvalidPosition, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{turn.ErrUnknownAction, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{turn.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
	{magiclink.ErrInvalidEmail, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{magiclink.ErrInvalidLink, http.StatusUnauthorized, "INVALID_LINK"},
	{magiclink.ErrExpiredLink, http.StatusUnauthorized, "LINK_EXPIRED"},
	{profile.ErrNotFound, http.StatusNotFound, "PROFILE_NOT_FOUND"},
	{profile.ErrInvalid, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{profile.ErrSelfWitness, http.StatusConflict, "SELF_WITNESS"},
	{store.ErrSlugTaken, http.StatusConflict, "SLUG_TAKEN"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *pairing.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), map[string]any{"field": validation.Field}
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			message := s.err.Error()
			if s.code == "VALIDATION_ERROR" {
				message = err.Error()
			}
			return s.status, s.code, message, nil
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
