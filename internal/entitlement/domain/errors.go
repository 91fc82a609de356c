package domain

import "errors"

var (
	ErrNotFound           = errors.New("entitlement_not_found")
	ErrInvalidSubject     = errors.New("invalid_subject")
	ErrInvalidTier        = errors.New("invalid_tier")
	ErrInvariantViolation = errors.New("entitlement_invariant_violation")
	ErrVersionConflict    = errors.New("entitlement_version_conflict")
	ErrSuspended          = errors.New("entitlement_suspended")
)
