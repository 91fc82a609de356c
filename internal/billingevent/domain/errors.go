package domain

import "errors"

var (
	ErrVerification          = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrUnresolvedCorrelation = errors.New("unresolved_correlation")
)
